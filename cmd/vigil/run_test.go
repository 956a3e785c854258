package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/vigil/internal/lockfile"
)

func TestRunSupervisorLocksAndShutsDown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "vigil.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
lock_file = "vigil.lock"

[log.slog]
level = "error"

[[apps]]
name = "sleeper"
script = "sh"
args = ["-c", "exec sleep 30"]
kill_timeout = 1000
`), 0o644))
	pidFile := filepath.Join(dir, "vigil.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runSupervisor(ctx, RunFlags{ConfigPath: p, PidFile: pidFile}) }()

	// the pid file is written once the lock is held
	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	err := runSupervisor(context.Background(), RunFlags{ConfigPath: p})
	assert.ErrorIs(t, err, lockfile.ErrLockedElsewhere)

	_, err = lockfile.Acquire(filepath.Join(dir, "vigil.lock"))
	assert.ErrorIs(t, err, lockfile.ErrLockedElsewhere)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatalf("supervisor did not shut down")
	}
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestRunSupervisorRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(p, []byte("[[apps]]\nname = \"x\"\n"), 0o644))
	err := runSupervisor(context.Background(), RunFlags{ConfigPath: p})
	assert.Error(t, err)
}
