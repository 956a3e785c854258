package vigil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/vigil/internal/config"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/history/factory"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/manager"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/process"
	iapi "github.com/loykin/vigil/internal/server"
	"github.com/loykin/vigil/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type LogSpec = process.LogSpec

type HeartbeatSpec = process.HeartbeatSpec

type RunRecord = process.RunRecord

type Status = supervisor.Status

type State = supervisor.State

const (
	StateStopped  = supervisor.Stopped
	StateStarting = supervisor.Starting
	StateRunning  = supervisor.Running
	StateStopping = supervisor.Stopping
	StateBackoff  = supervisor.Backoff
	StateCrashed  = supervisor.Crashed
)

type Config = cfg.Config

type ConfigError = cfg.ConfigError

type HistorySink = history.Sink

var (
	ErrUnknownProcess = manager.ErrUnknownProcess
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrStopping       = supervisor.ErrStopping
	ErrShutdown       = supervisor.ErrShutdown
)

// Options configure a Manager built with New.
type Options struct {
	// Env is a global "KEY=VALUE" list layered over the OS environment.
	Env     []string
	Logs    logger.FileConfig
	History []HistorySink
	// PollInterval is how often memory limits and heartbeats are checked.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Manager is a thin facade over internal/manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts Options) *Manager {
	e := env.New()
	e.SetList(opts.Env)
	return &Manager{inner: manager.New(manager.Options{
		Launcher:     process.OSLauncher{},
		Probe:        health.ProcProbe{},
		PollInterval: opts.PollInterval,
		Env:          e,
		Logs:         opts.Logs,
		History:      opts.History,
		Logger:       opts.Logger,
	})}
}

// NewFromConfig opens the history sinks named in c and registers every app.
// Nothing is started.
func NewFromConfig(ctx context.Context, c *Config, log *slog.Logger) (*Manager, error) {
	sinks := make([]HistorySink, 0, len(c.History.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	m := &Manager{inner: manager.New(manager.Options{
		Launcher: process.OSLauncher{},
		Probe:    health.ProcProbe{},
		Env:      c.GlobalEnv(),
		Logs:     c.Log.File,
		History:  sinks,
		Logger:   log,
	})}
	if err := m.inner.RegisterAll(c.Apps); err != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return nil, errors.Join(err, m.inner.Shutdown(sctx))
	}
	return m, nil
}

func (m *Manager) Register(s Spec) error                         { return m.inner.Register(s) }
func (m *Manager) Start(ctx context.Context, name string) error   { return m.inner.Start(ctx, name) }
func (m *Manager) StartAll(ctx context.Context) error             { return m.inner.StartAll(ctx) }
func (m *Manager) Stop(ctx context.Context, name string) error    { return m.inner.Stop(ctx, name) }
func (m *Manager) Restart(ctx context.Context, name string) error { return m.inner.Restart(ctx, name) }
func (m *Manager) Names() []string                                { return m.inner.Registry().Names() }
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	return m.inner.Status(ctx, name)
}
func (m *Manager) StatusAll(ctx context.Context) ([]Status, error) { return m.inner.StatusAll(ctx) }

// Shutdown stops every child within its kill timeout and flushes history.
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPServer returns an http.Server exposing the command API for m.
// The caller runs ListenAndServe.
func NewHTTPServer(addr, basePath string, m *Manager, log *slog.Logger) *http.Server {
	return iapi.NewServer(addr, basePath, m.inner, log)
}

// NewHandler returns the command API as an http.Handler for mounting in an
// existing mux or gin engine.
func NewHandler(basePath string, m *Manager, log *slog.Logger) http.Handler {
	return iapi.NewRouter(m.inner, basePath, log).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an http.Server exposing /metrics from the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
