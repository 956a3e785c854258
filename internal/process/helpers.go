package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
)

// SpawnErrorKind classifies why a child could not be created.
type SpawnErrorKind int

const (
	SpawnFailed SpawnErrorKind = iota
	SpawnNotFound
	SpawnPermissionDenied
	SpawnResourceExhausted
)

func (k SpawnErrorKind) String() string {
	switch k {
	case SpawnNotFound:
		return "not_found"
	case SpawnPermissionDenied:
		return "permission_denied"
	case SpawnResourceExhausted:
		return "resource_exhausted"
	default:
		return "failed"
	}
}

// SpawnError is returned by Launcher.Spawn. It is never retried by the
// launcher; the supervisor feeds it to the restart policy as a failed run.
type SpawnError struct {
	Kind SpawnErrorKind
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err carries a *SpawnError of the given kind.
func IsSpawnError(err error, kind SpawnErrorKind) bool {
	var se *SpawnError
	return errors.As(err, &se) && se.Kind == kind
}

func classifySpawnErr(path string, err error) *SpawnError {
	var se *SpawnError
	if errors.As(err, &se) {
		return se
	}
	kind := SpawnFailed
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		kind = SpawnNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = SpawnPermissionDenied
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		kind = SpawnResourceExhausted
	}
	return &SpawnError{Kind: kind, Path: path, Err: err}
}
