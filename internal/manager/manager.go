package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/clock"
	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/output"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/supervisor"
)

// Options are shared by every supervisor the Manager creates.
type Options struct {
	Launcher     process.Launcher
	Clock        clock.Clock
	Probe        health.Probe
	PollInterval time.Duration
	Env          *env.Env
	// Logs supplies default output files (Dir/<name>.stdout.log) for
	// processes that set neither out_file nor error_file.
	Logs    logger.FileConfig
	History []history.Sink
	Logger  *slog.Logger
}

// Manager owns one supervisor per registered name.
type Manager struct {
	opts     Options
	reg      *Registry
	recorder *history.Recorder
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	sups map[string]*supervisor.Supervisor
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		reg:      NewRegistry(),
		recorder: history.NewRecorder(opts.History...),
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sups:     make(map[string]*supervisor.Supervisor),
	}
}

// Registry exposes the registered specs.
func (m *Manager) Registry() *Registry { return m.reg }

// Register adds spec and creates its supervisor in the Stopped state.
// On failure the name stays free, so a corrected spec can be registered.
func (m *Manager) Register(spec process.Spec) error {
	if err := m.ctx.Err(); err != nil {
		return supervisor.ErrShutdown
	}
	if err := m.reg.Add(spec); err != nil {
		return err
	}
	sinks, err := m.openSinks(spec)
	if err != nil {
		m.reg.Remove(spec.Name)
		return fmt.Errorf("process %q: open log files: %w", spec.Name, err)
	}
	sup, err := supervisor.New(m.ctx, spec, supervisor.Options{
		Launcher:     m.opts.Launcher,
		Clock:        m.opts.Clock,
		Env:          m.opts.Env.Merge(spec.Env),
		Sinks:        sinks,
		Probe:        m.opts.Probe,
		PollInterval: m.opts.PollInterval,
		Hooks:        m.hooks(),
		Logger:       m.log,
	})
	if err != nil {
		_ = sinks.Close()
		m.reg.Remove(spec.Name)
		return err
	}
	m.mu.Lock()
	m.sups[spec.Name] = sup
	m.mu.Unlock()
	return nil
}

// RegisterAll registers specs in order and stops at the first error.
func (m *Manager) RegisterAll(specs []process.Spec) error {
	for _, s := range specs {
		if err := m.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) openSinks(spec process.Spec) (output.Sinks, error) {
	if spec.Log.OutFile != "" || spec.Log.ErrFile != "" || m.opts.Logs.Dir == "" {
		return output.OpenSinks(spec.Log)
	}
	files := m.opts.Logs
	if spec.Log.MaxSizeMB > 0 {
		files.MaxSizeMB = spec.Log.MaxSizeMB
	}
	if spec.Log.MaxBackups > 0 {
		files.MaxBackups = spec.Log.MaxBackups
	}
	if spec.Log.MaxAgeDays > 0 {
		files.MaxAgeDays = spec.Log.MaxAgeDays
	}
	files.Compress = files.Compress || spec.Log.Compress
	outW, errW, err := logger.Config{File: files}.ProcessWriters(spec.Name)
	if err != nil {
		return output.Sinks{}, err
	}
	return output.Sinks{Out: output.NewSink(outW), Err: output.NewSink(errW)}, nil
}

func (m *Manager) get(name string) (*supervisor.Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sups[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownProcess)
	}
	return s, nil
}

func (m *Manager) Start(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.Start(ctx)
}

// StartAll starts every registered process and joins the failures.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, n := range m.reg.Names() {
		if err := m.Start(ctx, n); err != nil && !errors.Is(err, supervisor.ErrAlreadyRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Stop(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.Stop(ctx)
}

func (m *Manager) Restart(ctx context.Context, name string) error {
	s, err := m.get(name)
	if err != nil {
		return err
	}
	return s.Restart(ctx)
}

func (m *Manager) Status(ctx context.Context, name string) (supervisor.Status, error) {
	s, err := m.get(name)
	if err != nil {
		return supervisor.Status{}, err
	}
	return s.Status(ctx)
}

// StatusAll returns the status of every process, sorted by name.
func (m *Manager) StatusAll(ctx context.Context) ([]supervisor.Status, error) {
	names := m.reg.Names()
	out := make([]supervisor.Status, 0, len(names))
	for _, n := range names {
		st, err := m.Status(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Shutdown stops every child within its stop timeout, then flushes history.
// It returns ctx.Err() if the supervisors did not finish in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.mu.RLock()
	sups := make([]*supervisor.Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.mu.RUnlock()
	for _, s := range sups {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.recorder.Close()
}
