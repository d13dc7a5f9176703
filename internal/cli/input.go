package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"voxprov/internal/config"
)

const (
	ExitSuccess           = 0
	ExitStepFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
	ExitAppImport         = 5
	ExitPortInUse         = 6
	ExitServerExited      = 7
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitErrorf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to a process exit code. Unknown errors are internal.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) && ee != nil {
		return ee.Code
	}
	return ExitInternalError
}

// Options are the global flags shared by every command. Empty values leave
// the configuration untouched.
type Options struct {
	ConfigPath string
	Recipe     string
	Context    string
	StateDir   string
	Cache      string
	Isolation  string
	Driver     string
	LogLevel   string
	LogFormat  string
	Vars       []string
}

// Bind registers the options as persistent flags of cmd.
func (o *Options) Bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.ConfigPath, "config", "", "config file (default ./"+config.DefaultFile+" when present)")
	f.StringVar(&o.Recipe, "recipe", "", "HCL recipe path (default: built-in voice backend recipe)")
	f.StringVar(&o.Context, "context", "", "build context directory")
	f.StringVar(&o.StateDir, "state-dir", "", "state directory for the image root, cache and run records")
	f.StringVar(&o.Cache, "cache", "", "layer cache backend: file|redis|minio|none")
	f.StringVar(&o.Isolation, "isolation", "", "step isolation: none|chroot")
	f.StringVar(&o.Driver, "driver", "", "build driver: local|docker")
	f.StringVar(&o.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	f.StringVar(&o.LogFormat, "log-format", "", "log format: console|json")
	f.StringArrayVar(&o.Vars, "var", nil, "recipe variable override name=value (repeatable)")
}

// Resolve loads the config file, applies the environment and then the
// flags, and validates the result.
func (o Options) Resolve(getenv func(string) string) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, &ExitError{Code: ExitConfigError, Err: err}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, &ExitError{Code: ExitConfigError, Err: err}
	}

	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&cfg.Recipe, o.Recipe)
	set(&cfg.Context, o.Context)
	set(&cfg.StateDir, o.StateDir)
	set(&cfg.Cache.Backend, o.Cache)
	set(&cfg.Isolation, o.Isolation)
	set(&cfg.Driver, o.Driver)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)

	vars, err := parseVars(o.Vars)
	if err != nil {
		return cfg, err
	}
	if len(vars) > 0 && cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}
	for k, v := range vars {
		cfg.Vars[k] = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, &ExitError{Code: ExitConfigError, Err: err}
	}
	for _, p := range []*string{&cfg.Context, &cfg.StateDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return cfg, &ExitError{Code: ExitConfigError, Err: err}
		}
		*p = abs
	}
	return cfg, nil
}

func parseVars(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, exitErrorf(ExitInvalidInvocation, "invalid --var %q (want name=value)", kv)
		}
		out[strings.TrimSpace(name)] = value
	}
	return out, nil
}
