//go:build !windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup sends SIGTERM (or SIGKILL when force) to the child's process
// group, falling back to the child alone if the group is already gone.
func signalGroup(p *os.Process, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return p.Signal(sig)
	}
	return err
}
