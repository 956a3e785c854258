package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/manager"
	"github.com/loykin/vigil/internal/process"
	"github.com/loykin/vigil/internal/supervisor"
)

type fakeCtl struct {
	mu       sync.Mutex
	states   map[string]supervisor.State
	calls    []string
	startErr error
	stopWait bool
}

func newFakeCtl(names ...string) *fakeCtl {
	f := &fakeCtl{states: map[string]supervisor.State{}}
	for _, n := range names {
		f.states[n] = supervisor.Stopped
	}
	return f
}

func (f *fakeCtl) lookup(name string) error {
	if _, ok := f.states[name]; !ok {
		return fmt.Errorf("%q: %w", name, manager.ErrUnknownProcess)
	}
	return nil
}

func (f *fakeCtl) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+name)
	if err := f.lookup(name); err != nil {
		return err
	}
	if f.startErr != nil {
		return f.startErr
	}
	if f.states[name] == supervisor.Running {
		return supervisor.ErrAlreadyRunning
	}
	f.states[name] = supervisor.Running
	return nil
}

func (f *fakeCtl) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	if err := f.lookup(name); err != nil {
		f.mu.Unlock()
		return err
	}
	f.calls = append(f.calls, "stop:"+name)
	block := f.stopWait
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.states[name] = supervisor.Stopped
	f.mu.Unlock()
	return nil
}

func (f *fakeCtl) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart:"+name)
	if err := f.lookup(name); err != nil {
		return err
	}
	f.states[name] = supervisor.Running
	return nil
}

func (f *fakeCtl) Status(_ context.Context, name string) (supervisor.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(name); err != nil {
		return supervisor.Status{}, err
	}
	code := 1
	end := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	return supervisor.Status{
		Name:  name,
		State: f.states[name],
		History: []process.RunRecord{{
			PID: 42, Start: end.Add(-time.Second), End: &end, ExitCode: &code, Reason: "exited",
		}},
	}, nil
}

func (f *fakeCtl) StatusAll(ctx context.Context) ([]supervisor.Status, error) {
	f.mu.Lock()
	names := make([]string, 0, len(f.states))
	for n := range f.states {
		names = append(names, n)
	}
	f.mu.Unlock()
	sort.Strings(names)
	out := make([]supervisor.Status, 0, len(names))
	for _, n := range names {
		st, err := f.Status(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func setupRouter(t *testing.T, base string, ctl Controller) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStartAndStatusUnderBasePath(t *testing.T) {
	ctl := newFakeCtl("web")
	h := setupRouter(t, "/api/", ctl)

	rec := doReq(t, h, http.MethodPost, "/api/start?name=web")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/status?name=web")
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		Name    string `json:"name"`
		State   string `json:"state"`
		History []struct {
			PID      int    `json:"pid"`
			ExitCode *int   `json:"exit_code"`
			Reason   string `json:"reason"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "running", st.State)
	require.Len(t, st.History, 1)
	assert.Equal(t, 42, st.History[0].PID)
	assert.Equal(t, 1, *st.History[0].ExitCode)
}

func TestStatusAll(t *testing.T) {
	h := setupRouter(t, "", newFakeCtl("b", "a"))
	rec := doReq(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []supervisor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, supervisor.Stopped, all[0].State)
}

func TestNameValidation(t *testing.T) {
	h := setupRouter(t, "", newFakeCtl("web"))
	for _, path := range []string{"/start", "/stop", "/restart", "/start?name=../x", "/start?name=a%2Fb"} {
		rec := doReq(t, h, http.MethodPost, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	rec := doReq(t, h, http.MethodGet, "/status?name=a%20b")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNamesAcceptedByConfigAreReachable(t *testing.T) {
	names := []string{"bot:v2", "a@b", "worker.1", "한글"}
	for _, n := range names {
		require.NoError(t, process.Spec{Name: n, Executable: "x"}.Validate(), n)
	}
	h := setupRouter(t, "", newFakeCtl(names...))
	for _, n := range names {
		rec := doReq(t, h, http.MethodPost, "/start?name="+url.QueryEscape(n))
		assert.Equal(t, http.StatusOK, rec.Code, n)
	}
}

func TestErrorMapping(t *testing.T) {
	ctl := newFakeCtl("web")
	h := setupRouter(t, "", ctl)

	rec := doReq(t, h, http.MethodPost, "/start?name=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/start?name=web").Code)
	rec = doReq(t, h, http.MethodPost, "/start?name=web")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctl.startErr = &process.SpawnError{Kind: process.SpawnNotFound, Path: "web", Err: errors.New("missing")}
	rec = doReq(t, h, http.MethodPost, "/start?name=web")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ctl.startErr = supervisor.ErrShutdown
	rec = doReq(t, h, http.MethodPost, "/start?name=web")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStopAndRestart(t *testing.T) {
	ctl := newFakeCtl("web")
	h := setupRouter(t, "", ctl)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/restart?name=web").Code)
	require.Equal(t, http.StatusOK, doReq(t, h, http.MethodPost, "/stop?name=web&wait=1s").Code)
	assert.Equal(t, []string{"restart:web", "stop:web"}, ctl.calls)
	assert.Equal(t, supervisor.Stopped, ctl.states["web"])

	rec := doReq(t, h, http.MethodPost, "/stop?name=web&wait=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWaitElapsesReturnsAccepted(t *testing.T) {
	ctl := newFakeCtl("web")
	ctl.stopWait = true
	h := setupRouter(t, "", ctl)
	rec := doReq(t, h, http.MethodPost, "/stop?name=web&wait=20ms")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"ok":true,"pending":true}`, rec.Body.String())
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/api", newFakeCtl(), nil)
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotNil(t, srv.Handler)
}
