package supervisor

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/clock"
	"github.com/loykin/vigil/internal/health"
	"github.com/loykin/vigil/internal/process"
)

type fakeHandle struct {
	pid        int
	ignoreTerm bool

	mu         sync.Mutex
	once       sync.Once
	done       chan struct{}
	status     process.ExitStatus
	terminated int
	killed     int
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) Stdout() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (h *fakeHandle) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Exit() process.ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.mu.Lock()
		h.status = process.ExitStatus{Code: code, Signaled: code == -1, Desc: "fake exit"}
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated++
	ignore := h.ignoreTerm
	h.mu.Unlock()
	if !ignore {
		h.exit(-1)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed++
	h.mu.Unlock()
	h.exit(-1)
	return nil
}

func (h *fakeHandle) counts() (term, kill int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated, h.killed
}

type fakeLauncher struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	spawnErr   error
	ignoreTerm bool
	envs       [][]string
}

func (l *fakeLauncher) Spawn(_ process.Spec, env []string) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.envs = append(l.envs, env)
	if l.spawnErr != nil {
		return nil, l.spawnErr
	}
	for _, h := range l.handles {
		select {
		case <-h.done:
		default:
			panic("spawn while a child is still live")
		}
	}
	h := &fakeHandle{pid: 1000 + len(l.handles), ignoreTerm: l.ignoreTerm, done: make(chan struct{})}
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) setSpawnErr(err error) {
	l.mu.Lock()
	l.spawnErr = err
	l.mu.Unlock()
}

type fakeProbe struct {
	mu  sync.Mutex
	rss uint64
}

func (p *fakeProbe) Sample(context.Context, int) (health.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return health.Usage{RSS: p.rss}, nil
}

func (p *fakeProbe) set(rss uint64) {
	p.mu.Lock()
	p.rss = rss
	p.mu.Unlock()
}

type harness struct {
	t        *testing.T
	clk      *clock.Fake
	launcher *fakeLauncher
	sup      *Supervisor
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, spec process.Spec, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{t: t, clk: clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), launcher: &fakeLauncher{}}
	opts := Options{Launcher: h.launcher, Clock: h.clk}
	for _, m := range mutate {
		m(&opts)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup, err := New(ctx, spec, opts)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	h.sup, h.cancel = sup, cancel
	t.Cleanup(func() {
		cancel()
		<-sup.Done()
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.sup.Status(h.ctx())
	if err != nil {
		h.t.Fatalf("Status: %v", err)
	}
	return st
}

func (h *harness) waitState(want State) Status {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := h.status()
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %s, state is %s", want, st.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitSpawns(n int) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.launcher.count() < n {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %d spawns, have %d", n, h.launcher.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitPending(n int) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.clk.Pending() < n {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %d armed timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}
