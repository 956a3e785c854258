package client

import (
	"fmt"
	"time"
)

// RunRecord is one spawn attempt as reported by the daemon.
type RunRecord struct {
	PID              int        `json:"pid,omitempty"`
	Start            time.Time  `json:"start"`
	End              *time.Time `json:"end,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	ReachedMinUptime bool       `json:"reached_min_uptime"`
	Reason           string     `json:"reason,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// ProcessStatus represents the status of a single supervised process
type ProcessStatus struct {
	Name      string      `json:"name"`
	State     string      `json:"state"`
	PID       int         `json:"pid,omitempty"`
	Since     time.Time   `json:"since"`
	Failures  int         `json:"failures"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
	Current   *RunRecord  `json:"current,omitempty"`
	History   []RunRecord `json:"history"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type okResponse struct {
	OK      bool `json:"ok"`
	Pending bool `json:"pending"`
}
