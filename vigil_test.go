package vigil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/pkg/client"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
}

func waitFor(t *testing.T, m *Manager, name string, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		var err error
		st, err = m.Status(context.Background(), name)
		return err == nil && st.State == want
	}, 10*time.Second, 10*time.Millisecond, "waiting for %s", want)
	return st
}

func TestManagerFacadeLifecycle(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	m := New(Options{Env: []string{"GREETING=hi"}})
	shutdown(t, m)

	out := filepath.Join(dir, "sleeper.out")
	require.NoError(t, m.Register(Spec{
		Name:        "sleeper",
		Executable:  "sh",
		Args:        []string{"-c", "echo $GREETING; exec sleep 30"},
		AutoRestart: true,
		MinUptime:   50 * time.Millisecond,
		StopTimeout: 2 * time.Second,
		Log:         LogSpec{OutFile: out},
	}))
	assert.ErrorIs(t, m.Start(context.Background(), "nope"), ErrUnknownProcess)

	require.NoError(t, m.Start(context.Background(), "sleeper"))
	st := waitFor(t, m, "sleeper", StateRunning)
	assert.NotZero(t, st.PID)
	assert.ErrorIs(t, m.Start(context.Background(), "sleeper"), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.Contains(string(b), ": hi")
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx, "sleeper"))
	st, err := m.Status(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	require.Len(t, st.History, 1)
	assert.Equal(t, "stopped", st.History[0].Reason)
}

func TestCrashLoopGivesUp(t *testing.T) {
	requireUnix(t)
	m := New(Options{})
	shutdown(t, m)
	require.NoError(t, m.Register(Spec{
		Name:         "flaky",
		Executable:   "sh",
		Args:         []string{"-c", "exit 3"},
		AutoRestart:  true,
		RestartDelay: 10 * time.Millisecond,
		MaxRestarts:  2,
		MinUptime:    10 * time.Second,
	}))
	require.NoError(t, m.Start(context.Background(), "flaky"))
	st := waitFor(t, m, "flaky", StateCrashed)
	require.Len(t, st.History, 3)
	for _, r := range st.History {
		require.NotNil(t, r.ExitCode)
		assert.Equal(t, 3, *r.ExitCode)
		assert.False(t, r.ReachedMinUptime)
	}
}

func TestConfigToHTTPRoundTrip(t *testing.T) {
	requireUnix(t)
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	p := filepath.Join(dir, "vigil.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
env = ["MODE=test"]

[log.file]
dir = "logs"

[history]
sinks = ["sqlite://history.db"]

[[apps]]
name = "svc"
script = "sh"
args = ["-c", "echo $MODE; exec sleep 30"]
kill_timeout = 2000
`), 0o644))

	c, err := LoadConfig(p)
	require.NoError(t, err)
	m, err := NewFromConfig(context.Background(), c, nil)
	require.NoError(t, err)
	shutdown(t, m)
	assert.Equal(t, []string{"svc"}, m.Names())

	srv := httptest.NewServer(NewHTTPServer("", "/api", m, nil).Handler)
	defer srv.Close()
	cl := client.New(client.Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	require.NoError(t, cl.Start(ctx, "svc"))
	require.Eventually(t, func() bool {
		st, err := cl.Status(ctx, "svc")
		return err == nil && st.State == "running"
	}, 10*time.Second, 10*time.Millisecond)

	pending, err := cl.Stop(ctx, "svc", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, pending)

	all, err := cl.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "stopped", all[0].State)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(dir, "logs", "svc.stdout.log"))
		return err == nil && strings.Contains(string(b), "test")
	}, 10*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Join(dir, "history.db"))
	assert.NoError(t, err)
}

func TestNewFromConfigBadSink(t *testing.T) {
	c := &Config{}
	c.History.Sinks = []string{"mongodb://nowhere"}
	_, err := NewFromConfig(context.Background(), c, nil)
	assert.Error(t, err)
}

func TestMetricsServer(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	srv := httptest.NewServer(NewMetricsServer("").Handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
