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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/stellardb/stellardb/proto"
	"github.com/stellardb/stellardb/raft"
	"github.com/stellardb/stellardb/server"
	"github.com/stellardb/stellardb/util"
)

// Config service config
type Config struct {
	server.Config

	Roles         []string  `json:"roles"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "server.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	startServer := server.NewServer(&cfg.Config)

	httpServer := server.NewHttpServer(startServer)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	grpcServer := server.NewRPCServer(startServer)
	grpcServer.Serve(":" + strconv.Itoa(int(cfg.GrpcBindPort)))

	if err := startServer.Start(context.Background()); err != nil {
		log.Fatal("start server failed: ", errors.Detail(err))
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	// stop all server
	grpcServer.Stop()
	httpServer.Stop()
	startServer.Close()
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}

func initConfig(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.MasterConfig.StoreConfig.Path == "" {
		cfg.MasterConfig.StoreConfig.Path = "./run/store"
	}
	if cfg.NodeConfig.Addr == "" {
		addr, err := util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't get local ip address, please set the ip address for the node config")
		}
		cfg.NodeConfig.Addr = addr + ":" + strconv.Itoa(int(cfg.GrpcBindPort))
	}
	cfg.NodeConfig.Version = proto.CurrentVersion

	if len(cfg.Roles) == 0 {
		log.Fatalf("node roles must be set")
	}
	for _, role := range cfg.Roles {
		switch role {
		case "single":
			cfg.NodeConfig.Roles = []proto.NodeRole{proto.NodeRoleMaster, proto.NodeRoleData}
			if cfg.NodeConfig.ID == 0 {
				cfg.NodeConfig.ID = 1
			}
			cfg.MasterConfig.RaftCfg.Members = []raft.Member{{NodeID: cfg.NodeConfig.ID, Host: cfg.NodeConfig.Addr}}
			cfg.MasterConfig.RaftCfg.RaftConfig.NodeID = cfg.NodeConfig.ID
		case "master":
			cfg.NodeConfig.Roles = append(cfg.NodeConfig.Roles, proto.NodeRoleMaster)
		case "data":
			cfg.NodeConfig.Roles = append(cfg.NodeConfig.Roles, proto.NodeRoleData)
		case "coordinator":
			cfg.NodeConfig.Roles = append(cfg.NodeConfig.Roles, proto.NodeRoleCoordinator)
		}
	}
	if cfg.MasterConfig.RaftCfg.RaftConfig.NodeID == 0 {
		cfg.MasterConfig.RaftCfg.RaftConfig.NodeID = cfg.NodeConfig.ID
	}
}
