package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vigil/internal/manager"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/supervisor"
)

// DefaultStopWait bounds how long POST /stop blocks when no wait is given.
const DefaultStopWait = 5 * time.Second

// Controller is the command surface the router drives. *manager.Manager
// implements it.
type Controller interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (supervisor.Status, error)
	StatusAll(ctx context.Context) ([]supervisor.Status, error)
}

// Router provides embeddable HTTP handlers for supervised processes.
// Endpoints:
//
//	POST {basePath}/start    query: name=...
//	POST {basePath}/stop     query: name=...&wait=5s (wait optional)
//	POST {basePath}/restart  query: name=...
//	GET  {basePath}/status   query: name=... (single) or none (all)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/start, /api/stop, /api/restart and /api/status.
func NewRouter(ctl Controller, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), log: log}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	return g
}

// NewServer builds an http.Server for the router. The caller runs
// ListenAndServe and Shutdown.
func NewServer(addr, basePath string, ctl Controller, log *slog.Logger) *http.Server {
	r := NewRouter(ctl, basePath, log)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK      bool `json:"ok"`
	Pending bool `json:"pending,omitempty"`
}

func (r *Router) name(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	if err := process.ValidateName(name); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return "", false
	}
	return name, true
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	if err := r.ctl.Start(c.Request.Context(), name); err != nil {
		r.fail(c, "start", name, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	wait := DefaultStopWait
	if ws := c.Query("wait"); ws != "" {
		d, err := time.ParseDuration(ws)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
			return
		}
		wait = d
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	err := r.ctl.Stop(ctx, name)
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	case errors.Is(err, context.DeadlineExceeded):
		// the stop carries on in the supervisor
		writeJSON(c, http.StatusAccepted, okResp{OK: true, Pending: true})
	default:
		r.fail(c, "stop", name, err)
	}
}

func (r *Router) handleRestart(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	if err := r.ctl.Restart(c.Request.Context(), name); err != nil {
		r.fail(c, "restart", name, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	if c.Query("name") == "" {
		all, err := r.ctl.StatusAll(c.Request.Context())
		if err != nil {
			r.fail(c, "status", "", err)
			return
		}
		writeJSON(c, http.StatusOK, all)
		return
	}
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.ctl.Status(c.Request.Context(), name)
	if err != nil {
		r.fail(c, "status", name, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) fail(c *gin.Context, op, name string, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		r.log.Warn("command failed", "op", op, "name", name, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func statusCode(err error) int {
	var se *process.SpawnError
	switch {
	case errors.Is(err, manager.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrStopping):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
