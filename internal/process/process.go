package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExitStatus describes how a child ended. Code is -1 when the child was
// terminated by a signal or never produced a status.
type ExitStatus struct {
	Code     int
	Signaled bool
	Desc     string
	At       time.Time
	Err      error
}

// Success reports a clean zero exit.
func (e ExitStatus) Success() bool { return e.Err == nil && e.Code == 0 && !e.Signaled }

// Handle is an opaque reference to one spawned child.
// Done is closed exactly once, after which Exit is valid.
type Handle interface {
	PID() int
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	Exit() ExitStatus
}

// Launcher creates OS processes. The supervisor only ever talks to this
// capability, which keeps its state machine testable with fakes.
type Launcher interface {
	Spawn(spec Spec, env []string) (Handle, error)
}

// OSLauncher spawns real child processes with os/exec.
type OSLauncher struct{}

// Spawn resolves and starts the child. Its stdout and stderr are exposed as
// pipes the caller must drain; they reach EOF once the child and every
// descendant holding them have exited.
func (OSLauncher) Spawn(spec Spec, env []string) (Handle, error) {
	cmd, err := spec.BuildCommand(env)
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, classifySpawnErr(cmd.Path, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, classifySpawnErr(cmd.Path, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, classifySpawnErr(cmd.Path, err)
	}
	// the child holds its own copies now
	_ = outW.Close()
	_ = errW.Close()

	p := &osProcess{cmd: cmd, stdout: outR, stderr: errR, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func (p *osProcess) PID() int              { return p.cmd.Process.Pid }
func (p *osProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *osProcess) Stderr() io.ReadCloser { return p.stderr }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *osProcess) Terminate() error { return p.signal(false) }
func (p *osProcess) Kill() error      { return p.signal(true) }

func (p *osProcess) signal(force bool) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := signalGroup(p.cmd.Process, force)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()
	st := ExitStatus{Code: 0, At: time.Now()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			st.Code = ee.ExitCode()
			st.Signaled = st.Code == -1
			st.Desc = ee.ProcessState.String()
		} else {
			st.Code = -1
			st.Err = err
			st.Desc = err.Error()
		}
	} else {
		st.Desc = p.cmd.ProcessState.String()
	}
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}
