package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/vigil/internal/env"
	"github.com/loykin/vigil/internal/logger"
	"github.com/loykin/vigil/internal/process"
)

// ConfigError rejects a configuration file as a whole.
type ConfigError struct {
	Path  string
	App   string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Path != "" {
		b.WriteString(" " + e.Path)
	}
	if e.App != "" {
		fmt.Fprintf(&b, ": app %q", e.App)
	}
	if e.Field != "" {
		b.WriteString(": " + e.Field)
	}
	b.WriteString(": " + e.Err.Error())
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

var ErrDuplicateName = errors.New("duplicate app name")

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	// Sinks are DSNs: sqlite://path, postgres://..., clickhouse://host:port/db
	Sinks []string `mapstructure:"sinks"`
}

// FileConfig mirrors the top-level layout of the configuration file.
type FileConfig struct {
	Env      []string         `mapstructure:"env"`
	EnvFiles []string         `mapstructure:"env_files"`
	Log      logger.Config    `mapstructure:"log"`
	Server   ServerConfig     `mapstructure:"server"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
	History  HistoryConfig    `mapstructure:"history"`
	LockFile string           `mapstructure:"lock_file"`
	Apps     []AppConfig      `mapstructure:"apps"`
}

// AppConfig is one pm2-style entry of the apps list.
// Durations take milliseconds or Go duration strings; sizes take go-units
// suffixes ("500M"). Unset autorestart and max_restarts get pm2 defaults.
type AppConfig struct {
	Name               string        `mapstructure:"name"`
	Script             string        `mapstructure:"script"`
	Interpreter        string        `mapstructure:"interpreter"`
	InterpreterArgs    ArgList       `mapstructure:"interpreter_args"`
	Args               ArgList       `mapstructure:"args"`
	Cwd                string        `mapstructure:"cwd"`
	Env                EnvMap        `mapstructure:"env"`
	Watch              bool          `mapstructure:"watch"`
	AutoRestart        *bool         `mapstructure:"autorestart"`
	MaxRestarts        *int          `mapstructure:"max_restarts"`
	MaxRestartsPerHour int           `mapstructure:"max_restarts_per_hour"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	ExpBackoffDelay    time.Duration `mapstructure:"exp_backoff_restart_delay"`
	MinUptime          time.Duration `mapstructure:"min_uptime"`
	KillTimeout        time.Duration `mapstructure:"kill_timeout"`
	ListenTimeout      time.Duration `mapstructure:"listen_timeout"`
	MaxMemoryRestart   ByteSize      `mapstructure:"max_memory_restart"`

	OutFile       string `mapstructure:"out_file"`
	ErrorFile     string `mapstructure:"error_file"`
	LogDateFormat string `mapstructure:"log_date_format"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`

	HeartbeatFile  string        `mapstructure:"heartbeat_file"`
	HeartbeatStale time.Duration `mapstructure:"heartbeat_stale"`
}

// ArgList accepts a list or a whitespace separated string.
type ArgList []string

// EnvMap accepts a table or a "K=V" list.
type EnvMap map[string]string

// ByteSize is a byte count decoded from a number or a sized string.
type ByteSize int64

// Config is a fully validated configuration.
type Config struct {
	Path     string
	Dir      string
	Env      env.Var
	Log      logger.Config
	Server   ServerConfig
	Metrics  MetricsConfig
	History  HistoryConfig
	LockFile string
	Apps     []process.Spec
}

// GlobalEnv returns the environment layer shared by every app: the OS
// environment overlaid with env_files and the top-level env list.
func (c *Config) GlobalEnv() *env.Env {
	e := env.New()
	for k, v := range c.Env {
		e.Var[k] = v
	}
	return e
}

// Load reads path (TOML, YAML or JSON, chosen by extension) and returns the
// validated configuration. Any error rejects the whole file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	fc := FileConfig{Log: logger.DefaultConfig()}
	if err := v.Unmarshal(&fc, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg, err := fromFile(fc, filepath.Dir(abs))
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
			return nil, ce
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	cfg.Path = abs
	return cfg, nil
}

func fromFile(fc FileConfig, dir string) (*Config, error) {
	cfg := &Config{
		Dir:      dir,
		Env:      env.Var{},
		Log:      fc.Log,
		Server:   fc.Server,
		Metrics:  fc.Metrics,
		History:  fc.History,
		LockFile: resolve(dir, fc.LockFile),
	}
	cfg.Log.File.Dir = resolve(dir, cfg.Log.File.Dir)
	for i, dsn := range cfg.History.Sinks {
		cfg.History.Sinks[i] = resolveSQLite(dir, dsn)
	}

	for _, f := range fc.EnvFiles {
		vars, err := env.LoadFile(resolve(dir, f))
		if err != nil {
			return nil, &ConfigError{Field: "env_files", Err: err}
		}
		for k, val := range vars {
			cfg.Env[k] = val
		}
	}
	for _, kv := range fc.Env {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, &ConfigError{Field: "env", Err: fmt.Errorf("expected KEY=VALUE, got %q", kv)}
		}
		cfg.Env[k] = val
	}

	seen := make(map[string]struct{}, len(fc.Apps))
	for i, app := range fc.Apps {
		spec, err := app.Spec(dir)
		if err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) && ce.App == "" {
				ce.App = fmt.Sprintf("#%d", i)
			}
			return nil, err
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, &ConfigError{App: spec.Name, Field: "name", Err: ErrDuplicateName}
		}
		seen[spec.Name] = struct{}{}
		cfg.Apps = append(cfg.Apps, spec)
	}
	return cfg, nil
}

// Spec converts the entry into a validated process.Spec. Relative paths
// resolve against dir (cwd) and then the working directory (log and
// heartbeat files).
func (a AppConfig) Spec(dir string) (process.Spec, error) {
	s := process.Spec{
		Name:               a.Name,
		Executable:         a.Script,
		Interpreter:        a.Interpreter,
		InterpreterArgs:    a.InterpreterArgs,
		Args:               a.Args,
		Env:                a.Env,
		Watch:              a.Watch,
		AutoRestart:        a.AutoRestart == nil || *a.AutoRestart,
		MaxRestarts:        process.DefaultMaxRestarts,
		MaxRestartsPerHour: a.MaxRestartsPerHour,
		RestartDelay:       a.RestartDelay,
		ExpBackoffDelay:    a.ExpBackoffDelay,
		MinUptime:          a.MinUptime,
		StopTimeout:        a.KillTimeout,
		StartTimeout:       a.ListenTimeout,
		MemoryLimit:        int64(a.MaxMemoryRestart),
		Log: process.LogSpec{
			OutFile:    a.OutFile,
			ErrFile:    a.ErrorFile,
			DateFormat: a.LogDateFormat,
			MaxSizeMB:  a.LogMaxSizeMB,
			MaxBackups: a.LogMaxBackups,
			MaxAgeDays: a.LogMaxAgeDays,
			Compress:   a.LogCompress,
		},
		Heartbeat: process.HeartbeatSpec{
			File:       a.HeartbeatFile,
			StaleAfter: a.HeartbeatStale,
		},
	}
	if a.MaxRestarts != nil {
		s.MaxRestarts = *a.MaxRestarts
	}

	s.WorkDir = resolve(dir, a.Cwd)
	if s.WorkDir == "" {
		s.WorkDir = dir
	}
	s.Log.OutFile = resolve(s.WorkDir, s.Log.OutFile)
	s.Log.ErrFile = resolve(s.WorkDir, s.Log.ErrFile)
	s.Heartbeat.File = resolve(s.WorkDir, s.Heartbeat.File)

	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return process.Spec{}, &ConfigError{App: s.Name, Err: err}
	}
	return s, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// resolveSQLite anchors a relative sqlite:// path at the config directory.
// Other DSNs are returned unchanged.
func resolveSQLite(dir, dsn string) string {
	const scheme = "sqlite://"
	if !strings.HasPrefix(strings.ToLower(dsn), scheme) {
		return dsn
	}
	p := dsn[len(scheme):]
	if p == "" || strings.HasPrefix(p, ":memory:") || filepath.IsAbs(p) {
		return dsn
	}
	return scheme + filepath.Join(dir, p)
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	sizeType     = reflect.TypeOf(ByteSize(0))
	argListType  = reflect.TypeOf(ArgList(nil))
	envMapType   = reflect.TypeOf(EnvMap(nil))
)

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(durationHook),
		mapstructure.DecodeHookFuncType(sizeHook),
		mapstructure.DecodeHookFuncType(argListHook),
		mapstructure.DecodeHookFuncType(envMapHook),
	)
}

func durationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	return ParseDuration(data)
}

func sizeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != sizeType {
		return data, nil
	}
	n, err := ParseSize(data)
	return ByteSize(n), err
}

func argListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != argListType || from.Kind() != reflect.String {
		return data, nil
	}
	return ArgList(strings.Fields(data.(string))), nil
}

// envMapHook upper-cases table keys because viper folds them to lower case.
func envMapHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != envMapType {
		return data, nil
	}
	var list []string
	switch v := data.(type) {
	case map[string]any:
		out := make(EnvMap, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[strings.ToUpper(k)] = fmt.Sprint(v[k])
		}
		return out, nil
	case string:
		list = strings.Fields(v)
	case []string:
		list = v
	case []any:
		for _, it := range v {
			list = append(list, fmt.Sprint(it))
		}
	default:
		return nil, fmt.Errorf("expected table or KEY=VALUE list, got %T", data)
	}
	out := make(EnvMap, len(list))
	for _, kv := range list {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", kv)
		}
		out[k] = val
	}
	return out, nil
}

// ParseDuration reads a bare number as milliseconds and anything else as a
// Go duration string ("30s", "1m30s").
func ParseDuration(v any) (time.Duration, error) {
	var d time.Duration
	switch x := v.(type) {
	case int:
		d = time.Duration(x) * time.Millisecond
	case int64:
		d = time.Duration(x) * time.Millisecond
	case float64:
		d = time.Duration(x * float64(time.Millisecond))
	case time.Duration:
		d = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(ms) * time.Millisecond
			break
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		d = parsed
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative")
	}
	return d, nil
}

// ParseSize reads a byte count with an optional unit suffix ("500M", "1G").
func ParseSize(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		n, err := units.RAMInBytes(s)
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, fmt.Errorf("size cannot be negative")
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid size type %T", v)
	}
}

// WriteDefault writes a starter configuration to path unless it exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(sampleTOML), 0o644)
}

const sampleTOML = `# vigil configuration
lock_file = "vigil.lock"

[log.slog]
level = "info"
format = "text"

[log.file]
dir = "logs"

[server]
listen = "127.0.0.1:9615"

[metrics]
enabled = true
listen = "127.0.0.1:9616"

[[apps]]
name = "worker"
script = "./worker.sh"
restart_delay = 3000
max_restarts = 10
min_uptime = "30s"
kill_timeout = 1600
`
