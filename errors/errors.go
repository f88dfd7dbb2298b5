// Copyright 2023 The StellarDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package errors

import "errors"

var (
	// A store that was never written is not an error condition for the
	// loader; a corrupt one is fatal at startup.
	ErrStateNeverWritten = errors.New("no cluster state has ever been written")
	ErrStateCorrupt      = errors.New("persisted cluster state is corrupt")

	ErrDataDirLocked = errors.New("data directory is locked by another process")

	ErrAlreadyStarted = errors.New("persisted state already started")
	ErrNotStarted     = errors.New("persisted state not started")

	ErrClusterBlocked = errors.New("cluster state is blocked")
	ErrStaleSnapshot  = errors.New("transform computed against a stale metadata snapshot")

	ErrRoleDoesNotExist    = errors.New("role does not exist")
	ErrUnknownMetadataKind = errors.New("unknown custom metadata kind")
	ErrUnknownTaskOp       = errors.New("unknown state update task operation")

	ErrNotLeader = errors.New("this node is not the elected master")
)
