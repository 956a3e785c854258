package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Default tunables, matching what pm2 applies when an ecosystem entry omits them.
const (
	DefaultMaxRestarts = 16
	DefaultMinUptime   = time.Second
	DefaultStopTimeout = 1600 * time.Millisecond
)

// LogSpec selects where the child's output goes.
// Rotation parameters follow lumberjack semantics.
type LogSpec struct {
	OutFile    string `json:"out_file,omitempty"`
	ErrFile    string `json:"error_file,omitempty"`
	DateFormat string `json:"log_date_format,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// HeartbeatSpec enables hang detection through a file the child keeps touching.
type HeartbeatSpec struct {
	File       string        `json:"file,omitempty"`
	StaleAfter time.Duration `json:"stale_after,omitempty"`
}

// Enabled reports whether heartbeat supervision is configured.
func (h HeartbeatSpec) Enabled() bool { return h.File != "" && h.StaleAfter > 0 }

// Spec describes one managed process. It is immutable once supervision begins;
// the supervisor keeps its own copy.
type Spec struct {
	Name            string            `json:"name"`
	Executable      string            `json:"script"`
	Interpreter     string            `json:"interpreter,omitempty"`
	InterpreterArgs []string          `json:"interpreter_args,omitempty"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Watch           bool              `json:"watch"` // accepted for compatibility, never acted upon

	AutoRestart        bool          `json:"autorestart"`
	RestartDelay       time.Duration `json:"restart_delay"`
	ExpBackoffDelay    time.Duration `json:"exp_backoff_restart_delay,omitempty"`
	MaxRestarts        int           `json:"max_restarts"`
	MaxRestartsPerHour int           `json:"max_restarts_per_hour,omitempty"`
	MinUptime          time.Duration `json:"min_uptime"`
	StartTimeout       time.Duration `json:"listen_timeout"`
	StopTimeout        time.Duration `json:"kill_timeout"`
	MemoryLimit        int64         `json:"max_memory_restart,omitempty"` // bytes, 0 disables

	Log       LogSpec       `json:"log"`
	Heartbeat HeartbeatSpec `json:"heartbeat"`
}

// ValidateName is the one rule for process names, used by config loading
// and the command API alike. Names end up in file names and metric labels.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !utf8.ValidString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("process %q: invalid name", name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("process %q: name must not contain blanks or path separators", name)
		}
	}
	return nil
}

// Validate checks the constraints that do not depend on the filesystem.
func (s Spec) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("process %q: script is required", s.Name)
	}
	if s.MaxRestarts < 0 {
		return fmt.Errorf("process %q: max_restarts cannot be negative", s.Name)
	}
	if s.MaxRestartsPerHour < 0 {
		return fmt.Errorf("process %q: max_restarts_per_hour cannot be negative", s.Name)
	}
	for field, d := range map[string]time.Duration{
		"restart_delay":             s.RestartDelay,
		"exp_backoff_restart_delay": s.ExpBackoffDelay,
		"min_uptime":                s.MinUptime,
		"listen_timeout":            s.StartTimeout,
		"kill_timeout":              s.StopTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("process %q: %s cannot be negative", s.Name, field)
		}
	}
	if s.MemoryLimit < 0 {
		return fmt.Errorf("process %q: max_memory_restart cannot be negative", s.Name)
	}
	if s.Heartbeat.File != "" && s.Heartbeat.StaleAfter <= 0 {
		return fmt.Errorf("process %q: heartbeat_stale must be positive when heartbeat_file is set", s.Name)
	}
	for k := range s.Env {
		if k == "" || strings.ContainsRune(k, '=') {
			return fmt.Errorf("process %q: invalid env name %q", s.Name, k)
		}
	}
	return nil
}

// WithDefaults fills zero-valued tunables.
func (s Spec) WithDefaults() Spec {
	if s.MinUptime == 0 {
		s.MinUptime = DefaultMinUptime
	}
	if s.StopTimeout == 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	return s
}

// Argv returns the program and its arguments. When an interpreter is set the
// script becomes its first non-flag argument.
func (s Spec) Argv() []string {
	if s.Interpreter != "" {
		argv := make([]string, 0, 2+len(s.InterpreterArgs)+len(s.Args))
		argv = append(argv, s.Interpreter)
		argv = append(argv, s.InterpreterArgs...)
		argv = append(argv, s.Executable)
		return append(argv, s.Args...)
	}
	argv := make([]string, 0, 1+len(s.Args))
	argv = append(argv, s.Executable)
	return append(argv, s.Args...)
}

// Clone returns a deep copy so callers cannot mutate a supervised spec.
func (s Spec) Clone() Spec {
	c := s
	c.InterpreterArgs = append([]string(nil), s.InterpreterArgs...)
	c.Args = append([]string(nil), s.Args...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	return c
}

// BuildCommand resolves the program and constructs an *exec.Cmd without
// starting it. Resolution failures are returned as *SpawnError.
func (s Spec) BuildCommand(env []string) (*exec.Cmd, error) {
	argv := s.Argv()
	if s.WorkDir != "" {
		st, err := os.Stat(s.WorkDir)
		if err != nil {
			return nil, classifySpawnErr(s.WorkDir, err)
		}
		if !st.IsDir() {
			return nil, &SpawnError{Kind: SpawnNotFound, Path: s.WorkDir, Err: errors.New("working directory is not a directory")}
		}
	}
	prog, err := resolveProgram(argv[0], s.WorkDir)
	if err != nil {
		return nil, classifySpawnErr(argv[0], err)
	}
	if s.Interpreter != "" {
		script := s.Executable
		if !filepath.IsAbs(script) && s.WorkDir != "" {
			script = filepath.Join(s.WorkDir, script)
		}
		if _, err := os.Stat(script); err != nil {
			return nil, classifySpawnErr(s.Executable, err)
		}
	}
	// #nosec G204 -- running the configured program is the whole point
	cmd := exec.Command(prog, argv[1:]...)
	cmd.Dir = s.WorkDir
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}

// resolveProgram finds name the way pm2 does: relative to the working
// directory first, then through PATH for bare names.
func resolveProgram(name, workDir string) (string, error) {
	if filepath.IsAbs(name) {
		return exec.LookPath(name)
	}
	if workDir != "" {
		candidate := filepath.Join(workDir, name)
		if _, err := os.Stat(candidate); err == nil {
			// cmd.Dir would otherwise re-apply workDir to a relative candidate
			if abs, err := filepath.Abs(candidate); err == nil {
				candidate = abs
			}
			return exec.LookPath(candidate)
		}
	}
	return exec.LookPath(name)
}
