package supervisor

import "errors"

var (
	ErrAlreadyRunning = errors.New("process is already running")
	ErrStopping       = errors.New("process is stopping")
	ErrShutdown       = errors.New("supervisor is shut down")
)
