package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/stellardb/stellardb/master/roles"
	"github.com/stellardb/stellardb/master/state"
	"github.com/stellardb/stellardb/metrics"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	singleRun  singleflight.Group

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())
	rpc.GET("/state", h.State, rpc.OptArgsQuery())
	rpc.GET("/roles/list", h.ListRoles, rpc.OptArgsQuery())
	rpc.POST("/roles/add", h.AddRole, rpc.OptArgsBody())
	rpc.POST("/roles/drop", h.DropRole, rpc.OptArgsBody())
	rpc.POST("/roles/privileges", h.ApplyPrivileges, rpc.OptArgsBody())
	rpc.POST("/privileges/transfer", h.TransferPrivileges, rpc.OptArgsBody())
	rpc.POST("/privileges/drop", h.DropObjectPrivileges, rpc.OptArgsBody())

	promHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rpc.GET("/metrics", func(c *rpc.Context) {
		promHandler.ServeHTTP(c.Writer, c.Request)
	}, rpc.OptArgsQuery())

	return rpc.DefaultRouter
}

func (h *HttpServer) Stats(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusOK)
		return
	}
	stat, err := h.master.Stat()
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(stat)
}

type stateDump struct {
	Term     uint64                 `json:"term"`
	Version  uint64                 `json:"version"`
	Blocks   state.Blocks           `json:"blocks"`
	Nodes    int                    `json:"nodes"`
	Metadata map[string]interface{} `json:"metadata"`
}

// State dumps the current cluster state. Concurrent dump requests are
// collapsed into one render.
func (h *HttpServer) State(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}

	ret, err, _ := h.singleRun.Do("state-dump", func() (interface{}, error) {
		cur := h.master.State().Current()
		md := cur.Metadata
		return &stateDump{
			Term:    cur.Term,
			Version: cur.Version,
			Blocks:  cur.Blocks,
			Nodes:   len(cur.Nodes),
			Metadata: map[string]interface{}{
				"version":   md.Version(),
				"indices":   md.Indices(),
				"templates": md.Templates(),
				"settings":  md.Settings(),
				"customs":   md.Customs(),
			},
		}, nil
	})
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) ListRoles(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	c.RespondJSON(h.master.Roles().Roles())
}

type addRoleArgs struct {
	Name   string `json:"name"`
	Secret string `json:"secret,omitempty"`
	IsUser bool   `json:"is_user"`
}

func (h *HttpServer) AddRole(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	args := new(addRoleArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.master.Roles().CreateRole(c.Request.Context(), args.Name, args.Secret, args.IsUser); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

type dropRoleArgs struct {
	Name string `json:"name"`
}

func (h *HttpServer) DropRole(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	args := new(dropRoleArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	ack, err := h.master.Roles().DropRole(c.Request.Context(), args.Name)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(ack)
}

type applyPrivilegesArgs struct {
	RoleNames []string          `json:"role_names"`
	Changes   []roles.Privilege `json:"changes"`
}

func (h *HttpServer) ApplyPrivileges(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	args := new(applyPrivilegesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	affected, err := h.master.Roles().ApplyPrivilegeChanges(c.Request.Context(), args.RoleNames, args.Changes)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(&roles.PrivilegesAck{Affected: affected})
}

type transferPrivilegesArgs struct {
	OldIdent string `json:"old_ident"`
	NewIdent string `json:"new_ident"`
}

// TransferPrivileges rewrites table scoped privileges after a rename.
func (h *HttpServer) TransferPrivileges(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	args := new(transferPrivilegesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if err := h.master.Roles().TransferTablePrivileges(c.Request.Context(), args.OldIdent, args.NewIdent); err != nil {
		c.RespondError(err)
		return
	}
	c.RespondStatus(http.StatusOK)
}

type dropObjectPrivilegesArgs struct {
	Ident string `json:"ident"`
}

func (h *HttpServer) DropObjectPrivileges(c *rpc.Context) {
	if h.master == nil {
		c.RespondStatus(http.StatusServiceUnavailable)
		return
	}
	args := new(dropObjectPrivilegesArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	affected, err := h.master.Roles().DropObjectPrivileges(c.Request.Context(), args.Ident)
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(&roles.PrivilegesAck{Affected: affected})
}
