// Package config loads the daemon's server inventory and settings.
//
// The daemon treats configuration as consumed, not owned: this package is
// the concrete configuration loader, producing a resolved map of
// server_id -> ServerSpec plus daemon-wide settings. Environment variable
// interpolation ($VAR, ${VAR}) in command/arg/env fields happens here,
// before the rest of the daemon ever sees a ServerSpec.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "30s", "5m", "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string using the s/m/h suffixes.
// A bare integer is rejected, so a typo'd unit never silently becomes
// nanoseconds.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration back out with its unit suffix.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ServerSpec is the immutable, parsed-once configuration for one MCP
// server child. Name is populated from the map key in the inventory file,
// not from a field inside the entry.
type ServerSpec struct {
	Name            string            `yaml:"-"`
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args,omitempty"`
	WorkDir         string            `yaml:"work_dir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	Priority        int               `yaml:"priority"`
	AutoStart       bool              `yaml:"auto_start"`
	IdleTimeout     Duration          `yaml:"idle_timeout,omitempty"`
	HealthCheckTool string            `yaml:"health_check_tool,omitempty"`
	Description     string            `yaml:"description,omitempty"`
}

// EnvSlice returns Env as "KEY=VALUE" pairs overlaid on the inherited
// process environment, suitable for exec.Cmd.Env.
func (s ServerSpec) EnvSlice() []string {
	base := os.Environ()
	if len(s.Env) == 0 {
		return base
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(keys))
	out = append(out, base...)
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// DaemonSettings are the daemon-wide knobs: socket path, log file
// path, log level, and a default idle timeout applied when a ServerSpec
// doesn't set its own.
type DaemonSettings struct {
	SocketPath        string   `yaml:"socket_path"`
	LogFile           string   `yaml:"log_file,omitempty"`
	LogLevel          string   `yaml:"log_level,omitempty"`
	DefaultIdleTimeout Duration `yaml:"default_idle_timeout,omitempty"`
	RequestTimeout    Duration `yaml:"request_timeout,omitempty"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout,omitempty"`
}

// Inventory is the top-level shape of the config file.
type Inventory struct {
	Daemon  DaemonSettings        `yaml:"daemon"`
	Servers map[string]ServerSpec `yaml:"servers"`
}

// defaultSettings fills in sensible defaults when the config
// file omits them.
func defaultSettings(s DaemonSettings) DaemonSettings {
	if s.SocketPath == "" {
		s.SocketPath = "/tmp/mcpd/control.sock"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RequestTimeout.Duration == 0 {
		s.RequestTimeout = Duration{30 * time.Second}
	}
	if s.HandshakeTimeout.Duration == 0 {
		s.HandshakeTimeout = Duration{10 * time.Second}
	}
	return s
}

// Load reads and parses the YAML inventory at path, expanding $VAR/${VAR}
// references in command/args/env/work_dir fields against the process
// environment (after an optional .env overlay — see LoadEnv).
func Load(path string) (DaemonSettings, map[string]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DaemonSettings{}, nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return DaemonSettings{}, nil, fmt.Errorf("config: parse %q: %w", path, err)
	}

	servers := make(map[string]ServerSpec, len(inv.Servers))
	for name, spec := range inv.Servers {
		spec.Name = name
		spec.Command = os.Expand(spec.Command, lookupEnv)
		spec.WorkDir = os.Expand(spec.WorkDir, lookupEnv)
		for i, a := range spec.Args {
			spec.Args[i] = os.Expand(a, lookupEnv)
		}
		for k, v := range spec.Env {
			spec.Env[k] = os.Expand(v, lookupEnv)
		}
		if spec.IdleTimeout.Duration == 0 {
			spec.IdleTimeout = inv.Daemon.DefaultIdleTimeout
		}
		servers[name] = spec
	}

	return defaultSettings(inv.Daemon), servers, nil
}

// lookupEnv backs os.Expand so that both $VAR and ${VAR} forms resolve
// against the process environment; an unset variable expands to "".
func lookupEnv(key string) string {
	return os.Getenv(key)
}
