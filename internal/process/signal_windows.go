//go:build windows

package process

import "os"

// signalGroup terminates the child. Windows has no graceful equivalent of
// SIGTERM for console-less children, so both paths kill.
func signalGroup(p *os.Process, _ bool) error {
	return p.Kill()
}
