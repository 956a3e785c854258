package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/vigil/internal/clock"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/output"
	"github.com/loykin/vigil/internal/policy"
	"github.com/loykin/vigil/internal/process"
)

// DefaultPollInterval is how often the watchdog samples a running child.
const DefaultPollInterval = time.Second

// Hooks observe the control loop. They are called inline from the loop and
// must not block.
type Hooks struct {
	OnState   func(name string, from, to State)
	OnStart   func(name string, pid int)
	OnExit    func(name string, rec process.RunRecord)
	OnRestart func(name string, d policy.Decision)
	OnUsage   func(name string, u health.Usage)
}

// Options wires a Supervisor to its collaborators. Zero values select the
// production implementations.
type Options struct {
	Launcher     process.Launcher
	Clock        clock.Clock
	Env          []string
	Router       *output.Router
	Sinks        output.Sinks
	Probe        health.Probe
	PollInterval time.Duration
	Hooks        Hooks
	Logger       *slog.Logger
}

// Status is a snapshot of one slot, served by the control loop.
type Status struct {
	Name      string              `json:"name"`
	State     State               `json:"state"`
	PID       int                 `json:"pid,omitempty"`
	Since     time.Time           `json:"since"`
	Failures  int                 `json:"failures"`
	Restarts  int                 `json:"restarts"`
	LastError string              `json:"last_error,omitempty"`
	Current   *process.RunRecord  `json:"current,omitempty"`
	History   []process.RunRecord `json:"history"`
}

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionStatus
	actionRecycle
)

type command struct {
	action action
	reason string
	reply  chan reply
}

type reply struct {
	err    error
	status Status
}

type timerKind int

const (
	timerNone timerKind = iota
	timerStart
	timerBackoff
	timerKill
)

// Supervisor keeps one managed process alive according to its spec. All
// state is owned by a single control-loop goroutine; callers talk to it
// through commands.
type Supervisor struct {
	spec  process.Spec
	opts  Options
	log   *slog.Logger
	cmds  chan command
	done  chan struct{}
	pid   atomic.Int64
	state atomic.Int32
	hb    *health.Heartbeat

	// owned by the control loop
	cur            State
	since          time.Time
	handle         process.Handle
	current        *process.RunRecord
	uptime         *health.Timer
	history        []process.RunRecord
	policy         *policy.RestartPolicy
	timer          clock.Timer
	timerKind      timerKind
	waiters        []chan reply
	pendingRestart bool
	recycleReason  string
	restarts       int
	lastErr        string
	forwarding     *output.Forwarding
}

// New validates spec and starts the control loop. The loop runs until ctx
// is cancelled; the managed child is then stopped and Done is closed.
// The slot starts in Stopped; call Start to spawn.
func New(ctx context.Context, spec process.Spec, opts Options) (*Supervisor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec = spec.Clone().WithDefaults()
	if opts.Launcher == nil {
		opts.Launcher = process.OSLauncher{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Router == nil {
		opts.Router = output.NewRouter(spec.Log.DateFormat)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		spec:   spec,
		opts:   opts,
		log:    log.With("name", spec.Name),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		policy: policy.New(),
		cur:    Stopped,
		since:  opts.Clock.Now(),
	}
	if spec.Heartbeat.Enabled() {
		s.hb = health.WatchHeartbeat(opts.Clock, spec.Heartbeat.File, spec.Heartbeat.StaleAfter)
	}
	go s.run(ctx)
	if opts.Probe != nil || s.hb != nil {
		go s.watch(ctx)
	}
	return s, nil
}

// Name returns the managed process name.
func (s *Supervisor) Name() string { return s.spec.Name }

// Spec returns a copy of the supervised spec.
func (s *Supervisor) Spec() process.Spec { return s.spec.Clone() }

// PID of the live child, or 0.
func (s *Supervisor) PID() int { return int(s.pid.Load()) }

// State is a lock-free read of the last published state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Done is closed once the control loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start spawns the child from Stopped or Crashed. Crashed is cleared and the
// failure counter reset. A spawn failure is returned but still handled as a
// failed run.
func (s *Supervisor) Start(ctx context.Context) error {
	r, err := s.send(ctx, command{action: actionStart})
	if err != nil {
		return err
	}
	return r.err
}

// Stop requests graceful termination and returns once the slot is Stopped.
// If ctx ends first, ctx.Err() is returned and the stop carries on.
func (s *Supervisor) Stop(ctx context.Context) error {
	r, err := s.send(ctx, command{action: actionStop})
	if err != nil {
		return err
	}
	return r.err
}

// Restart stops a live child and spawns a new one, or spawns right away
// when nothing is running. It fails with ErrStopping while a Stop is waiting.
func (s *Supervisor) Restart(ctx context.Context) error {
	r, err := s.send(ctx, command{action: actionRestart})
	if err != nil {
		return err
	}
	return r.err
}

// Status returns the state and run history.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	r, err := s.send(ctx, command{action: actionStatus})
	if err != nil {
		return Status{}, err
	}
	return r.status, r.err
}

func (s *Supervisor) recycle(ctx context.Context, reason string) {
	_, _ = s.send(ctx, command{action: actionRecycle, reason: reason})
}

func (s *Supervisor) send(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return reply{}, ErrShutdown
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-s.done:
		// the loop answers every waiter before closing done
		select {
		case r := <-c.reply:
			return r, nil
		default:
			return reply{}, ErrShutdown
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// run is the control loop. It waits on exactly one of: a command, the
// child's exit, the armed timer or shutdown.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	for {
		var exited <-chan struct{}
		if s.handle != nil {
			exited = s.handle.Done()
		}
		var fired <-chan time.Time
		if s.timer != nil {
			fired = s.timer.C()
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case c := <-s.cmds:
			s.handleCommand(c)
		case <-exited:
			s.onExit()
		case <-fired:
			s.onTimer()
		}
	}
}

func (s *Supervisor) handleCommand(c command) {
	switch c.action {
	case actionStart:
		c.reply <- reply{err: s.handleStart()}
	case actionStop:
		s.handleStop(c.reply)
	case actionRestart:
		c.reply <- reply{err: s.handleRestart()}
	case actionStatus:
		c.reply <- reply{status: s.snapshot()}
	case actionRecycle:
		s.handleRecycle(c.reason)
		c.reply <- reply{}
	}
}

func (s *Supervisor) handleStart() error {
	switch s.cur {
	case Running, Starting:
		return fmt.Errorf("%s: %w", s.spec.Name, ErrAlreadyRunning)
	case Stopping:
		return fmt.Errorf("%s: %w", s.spec.Name, ErrStopping)
	case Backoff:
		// a restart is already scheduled
		return nil
	}
	s.policy.Reset()
	return s.spawn()
}

func (s *Supervisor) handleStop(r chan reply) {
	switch s.cur {
	case Stopped, Crashed:
		r <- reply{}
	case Backoff:
		s.stopTimer()
		s.setState(Stopped)
		r <- reply{}
	case Starting, Running:
		s.waiters = append(s.waiters, r)
		s.beginStop()
	case Stopping:
		// an explicit stop overrides a pending restart or recycle
		s.pendingRestart = false
		s.recycleReason = ""
		s.waiters = append(s.waiters, r)
	}
}

func (s *Supervisor) handleRestart() error {
	switch s.cur {
	case Starting, Running:
		s.pendingRestart = true
		s.beginStop()
		return nil
	case Stopping:
		if len(s.waiters) > 0 {
			// an explicit stop is in flight and wins
			return fmt.Errorf("%s: %w", s.spec.Name, ErrStopping)
		}
		s.pendingRestart = true
		return nil
	case Backoff:
		s.stopTimer()
	}
	s.policy.Reset()
	return s.spawn()
}

func (s *Supervisor) handleRecycle(reason string) {
	if s.cur != Running || s.handle == nil {
		return
	}
	s.log.Warn("recycling process", "reason", reason, "pid", s.PID())
	s.recycleReason = reason
	s.beginStop()
}

// spawn launches a new child. The caller guarantees no child is live.
func (s *Supervisor) spawn() error {
	if s.handle != nil {
		return fmt.Errorf("%s: %w", s.spec.Name, ErrAlreadyRunning)
	}
	s.setState(Starting)
	s.uptime = health.Start(s.opts.Clock, s.spec.MinUptime, s.spec.StartTimeout)
	h, err := s.opts.Launcher.Spawn(s.spec, s.opts.Env)
	if err != nil {
		end := s.opts.Clock.Now()
		s.lastErr = err.Error()
		s.log.Error("spawn failed", "error", err)
		s.finishRun(process.RunRecord{Start: s.uptime.StartedAt(), End: &end, Reason: "spawn_failed", Error: err.Error()})
		s.decide()
		return err
	}
	s.handle = h
	s.pid.Store(int64(h.PID()))
	s.current = &process.RunRecord{PID: h.PID(), Start: s.uptime.StartedAt()}
	s.forwarding = s.opts.Router.Attach(s.spec.Name, h.Stdout(), h.Stderr(), s.opts.Sinks)
	if s.hb != nil {
		s.hb.Reset()
	}
	s.log.Info("process started", "pid", h.PID())
	if s.opts.Hooks.OnStart != nil {
		s.opts.Hooks.OnStart(s.spec.Name, h.PID())
	}
	if s.spec.StartTimeout > 0 {
		s.arm(timerStart, s.spec.StartTimeout)
	} else {
		s.setState(Running)
	}
	return nil
}

func (s *Supervisor) beginStop() {
	s.stopTimer()
	s.setState(Stopping)
	if err := s.handle.Terminate(); err != nil {
		s.log.Warn("terminate failed, killing", "error", err)
		_ = s.handle.Kill()
	}
	s.arm(timerKill, s.spec.StopTimeout)
}

func (s *Supervisor) onTimer() {
	kind := s.timerKind
	s.timer, s.timerKind = nil, timerNone
	switch kind {
	case timerStart:
		if s.cur == Starting && s.handle != nil {
			s.setState(Running)
		}
	case timerBackoff:
		if s.cur == Backoff {
			_ = s.spawn()
		}
	case timerKill:
		if s.cur == Stopping && s.handle != nil {
			s.log.Warn("stop timeout elapsed, killing", "pid", s.PID(), "timeout", s.spec.StopTimeout)
			if err := s.handle.Kill(); err != nil {
				s.log.Error("kill failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) onExit() {
	st := s.handle.Exit()
	end := s.opts.Clock.Now()
	rec := *s.current
	rec.End = &end
	code := st.Code
	rec.ExitCode = &code
	rec.ReachedMinUptime = s.uptime.ReachedMinUptimeAt(end)
	switch {
	case s.cur == Stopping && s.recycleReason != "":
		rec.Reason = "recycled"
		rec.Error = s.recycleReason
	case s.cur == Stopping:
		rec.Reason = "stopped"
	case st.Signaled:
		rec.Reason = "signaled"
	default:
		rec.Reason = "exited"
	}
	if st.Err != nil {
		rec.Error = st.Err.Error()
	}
	s.handle = nil
	s.current = nil
	s.pid.Store(0)
	s.stopTimer()
	s.log.Info("process exited", "code", st.Code, "status", st.Desc, "uptime", rec.Duration())
	s.finishRun(rec)

	if s.cur == Stopping {
		switch {
		case s.recycleReason != "":
			s.recycleReason = ""
			s.recycled(rec)
		case s.pendingRestart:
			s.pendingRestart = false
			s.policy.Reset()
			_ = s.spawn()
		default:
			s.decide()
		}
		return
	}
	if !st.Success() {
		s.lastErr = st.Desc
	}
	s.decide()
}

// recycled respawns after a memory or heartbeat recycle. Recycles do not
// count as failures but are bounded by the hourly restart cap.
func (s *Supervisor) recycled(rec process.RunRecord) {
	d := s.policy.Recycle(s.spec, *rec.End)
	if d.Action == policy.GiveUp {
		s.lastErr = d.Reason
		s.log.Error("giving up on process", "reason", d.Reason, "recycle", rec.Error)
		s.setState(Crashed)
		return
	}
	d.Reason = rec.Error
	s.restarts++
	if s.opts.Hooks.OnRestart != nil {
		s.opts.Hooks.OnRestart(s.spec.Name, d)
	}
	_ = s.spawn()
}

func (s *Supervisor) finishRun(rec process.RunRecord) {
	s.history = append(s.history, rec)
	if s.opts.Hooks.OnExit != nil {
		s.opts.Hooks.OnExit(s.spec.Name, rec)
	}
}

func (s *Supervisor) decide() {
	d := s.policy.Decide(s.spec, s.history, s.cur == Stopping)
	switch d.Action {
	case policy.Restart:
		s.restarts++
		if s.opts.Hooks.OnRestart != nil {
			s.opts.Hooks.OnRestart(s.spec.Name, d)
		}
		s.log.Info("restart scheduled", "delay", d.Delay, "failures", s.policy.Failures())
		// a non-positive delay yields a timer that has already fired
		s.arm(timerBackoff, d.Delay)
		s.setState(Backoff)
	case policy.GiveUp:
		s.lastErr = d.Reason
		s.log.Error("giving up on process", "reason", d.Reason, "failures", s.policy.Failures())
		s.setState(Crashed)
	case policy.Stop:
		s.setState(Stopped)
	}
}

func (s *Supervisor) arm(kind timerKind, d time.Duration) {
	s.stopTimer()
	s.timer = s.opts.Clock.NewTimer(d)
	s.timerKind = kind
}

func (s *Supervisor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer, s.timerKind = nil, timerNone
}

func (s *Supervisor) setState(to State) {
	from := s.cur
	if from == to {
		return
	}
	s.cur = to
	s.since = s.opts.Clock.Now()
	s.state.Store(int32(to))
	if s.opts.Hooks.OnState != nil {
		s.opts.Hooks.OnState(s.spec.Name, from, to)
	}
	if to.Terminal() {
		for _, w := range s.waiters {
			w <- reply{}
		}
		s.waiters = nil
	}
}

func (s *Supervisor) snapshot() Status {
	st := Status{
		Name:      s.spec.Name,
		State:     s.cur,
		PID:       s.PID(),
		Since:     s.since,
		Failures:  s.policy.Failures(),
		Restarts:  s.restarts,
		LastError: s.lastErr,
		History:   append([]process.RunRecord(nil), s.history...),
	}
	if s.current != nil {
		c := *s.current
		st.Current = &c
	}
	return st
}

// shutdown stops the child within its stop timeout and releases resources.
func (s *Supervisor) shutdown() {
	s.stopTimer()
	s.pendingRestart = false
	s.recycleReason = ""
	if s.handle != nil {
		if s.cur != Stopping {
			s.setState(Stopping)
			_ = s.handle.Terminate()
		}
		t := s.opts.Clock.NewTimer(s.spec.StopTimeout)
		select {
		case <-s.handle.Done():
			t.Stop()
		case <-t.C():
			s.log.Warn("stop timeout elapsed during shutdown, killing", "pid", s.PID())
			_ = s.handle.Kill()
			<-s.handle.Done()
		}
		s.onExit()
	}
	s.setState(Stopped)
	if s.hb != nil {
		_ = s.hb.Close()
	}
	fwd, sinks := s.forwarding, s.opts.Sinks
	go func() {
		if fwd != nil {
			fwd.Wait()
		}
		if err := sinks.Close(); err != nil {
			s.log.Warn("closing output sinks failed", "error", err)
		}
	}()
}

// watch polls resource usage and the heartbeat, and recycles the child on
// a breach. It only sends commands to the loop.
func (s *Supervisor) watch(ctx context.Context) {
	for {
		t := s.opts.Clock.NewTimer(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-t.C():
		}
		pid := s.PID()
		if pid == 0 || s.State() != Running {
			continue
		}
		if s.opts.Probe != nil {
			u, err := s.opts.Probe.Sample(ctx, pid)
			if err != nil {
				s.log.Debug("usage sample failed", "pid", pid, "error", err)
			} else {
				if s.opts.Hooks.OnUsage != nil {
					s.opts.Hooks.OnUsage(s.spec.Name, u)
				}
				if u.OverLimit(s.spec.MemoryLimit) {
					s.recycle(ctx, fmt.Sprintf("memory %d bytes over limit %d", u.RSS, s.spec.MemoryLimit))
					continue
				}
			}
		}
		if s.hb != nil && s.hb.Stale() {
			s.recycle(ctx, "heartbeat stale")
		}
	}
}
