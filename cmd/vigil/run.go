package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/loykin/vigil"
	"github.com/loykin/vigil/internal/lockfile"
)

// shutdownGrace is added to the longest kill_timeout when waiting for
// children during shutdown.
const shutdownGrace = 5 * time.Second

// runSupervisor supervises every app in the config until ctx is cancelled.
func runSupervisor(ctx context.Context, f RunFlags) error {
	c, err := vigil.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	log := c.Log.NewSlogger()

	lockPath := c.LockFile
	if lockPath == "" {
		lockPath = c.Path + ".lock"
	}
	lk, err := lockfile.Acquire(lockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	m, err := vigil.NewFromConfig(ctx, c, log)
	if err != nil {
		return err
	}

	var servers []*http.Server
	serve := func(name string, srv *http.Server) {
		servers = append(servers, srv)
		go func() {
			log.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server failed", "server", name, "error", err)
			}
		}()
	}
	if c.Metrics.Enabled {
		if err := vigil.RegisterMetricsDefault(); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
		if c.Metrics.Listen != "" {
			serve("metrics", vigil.NewMetricsServer(c.Metrics.Listen))
		}
	}
	if c.Server.Listen != "" {
		serve("api", vigil.NewHTTPServer(c.Server.Listen, c.Server.BasePath, m, log))
	}

	log.Info("supervising", "config", c.Path, "apps", len(c.Apps))
	if err := m.StartAll(ctx); err != nil {
		// spawn failures are already scheduled for retry
		log.Warn("some apps failed to start", "error", err)
	}

	<-ctx.Done()
	log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget(c))
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(sctx)
	}
	if err := m.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("all processes stopped")
	return nil
}

func shutdownBudget(c *vigil.Config) time.Duration {
	var longest time.Duration
	for _, a := range c.Apps {
		if a.StopTimeout > longest {
			longest = a.StopTimeout
		}
	}
	return longest + shutdownGrace
}

