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

package server

import (
	"context"

	"github.com/stellardb/stellardb/master"
	"github.com/stellardb/stellardb/proto"
)

type Config struct {
	NodeConfig   proto.Node    `json:"node_config"`
	MasterConfig master.Config `json:"master_config"`
}

// Server hosts the node role services. Every node that can hold
// cluster state runs the master stack.
type Server struct {
	master *master.Master
}

func NewServer(cfg *Config) *Server {
	cfg.MasterConfig.NodeConfig = cfg.NodeConfig

	s := &Server{}
	if cfg.NodeConfig.CanHoldClusterState() || cfg.NodeConfig.HasRole(proto.NodeRoleMaster) {
		s.master = master.NewMaster(&cfg.MasterConfig)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if s.master != nil {
		return s.master.Start(ctx)
	}
	return nil
}

func (s *Server) Master() *master.Master {
	return s.master
}

func (s *Server) Close() {
	if s.master != nil {
		s.master.Close()
	}
}
