package raft

import "errors"

var (
	ErrGroupClosed    = errors.New("raft group has been closed")
	ErrNoSuchMember   = errors.New("no such member in raft group")
	ErrProposeDropped = errors.New("proposal dropped before commit")

	errSnapshotTooShort = errors.New("raft snapshot payload too short")
)
