// Package config handles loading, validating, and defaulting ytap configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Output/format constants for configuration defaults.
const (
	DefaultListen    = "127.0.0.1:8888"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"
	OutputFile       = "file"
	OutputBoth       = "both"
)

// Config is the top-level ytap configuration.
type Config struct {
	Version    int           `yaml:"version"`
	Listen     string        `yaml:"listen"`
	Injection  Injection     `yaml:"injection"`
	Proxy      ProxySettings `yaml:"proxy"`
	Monitoring Monitoring    `yaml:"monitoring"`
	Logging    LoggingConfig `yaml:"logging"`
}

// Injection configures which responses get the capture script and where the
// script comes from.
type Injection struct {
	Enabled *bool `yaml:"enabled"` // nil = true (default)
	// Hosts are case-insensitive substring patterns matched against the
	// request host. A response is eligible when any pattern matches.
	Hosts []string `yaml:"hosts"`
	// ScriptFile overrides the embedded capture script. Empty uses the
	// built-in payload.
	ScriptFile string `yaml:"script_file"`
}

// ProxySettings configures the forward proxy transport.
type ProxySettings struct {
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	MaxResponseMB        int    `yaml:"max_response_mb"`
	MaxTunnelSeconds     int    `yaml:"max_tunnel_seconds"`
	IdleTimeoutSeconds   int    `yaml:"idle_timeout_seconds"`
	MaxConcurrentTunnels int    `yaml:"max_concurrent_tunnels"`
	UserAgent            string `yaml:"user_agent"`
}

// Monitoring configures traffic limits.
type Monitoring struct {
	MaxReqPerMinute int `yaml:"max_requests_per_minute"`
}

// LoggingConfig configures audit logging.
type LoggingConfig struct {
	Format         string `yaml:"format"` // json, text
	Output         string `yaml:"output"` // stdout, file, both
	File           string `yaml:"file"`
	IncludeAllowed bool   `yaml:"include_allowed"`
}

// InjectionEnabled returns whether rewriting is enabled.
// Defaults to true when Enabled is nil (not set in config).
func (c *Config) InjectionEnabled() bool {
	return c.Injection.Enabled == nil || *c.Injection.Enabled
}

// Load reads, parses, defaults, and validates a ytap config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from caller
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	// Resolve relative script_file path relative to config file directory.
	if cfg.Injection.ScriptFile != "" && !filepath.IsAbs(cfg.Injection.ScriptFile) {
		cfg.Injection.ScriptFile = filepath.Join(filepath.Dir(path), cfg.Injection.ScriptFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if len(c.Injection.Hosts) == 0 {
		c.Injection.Hosts = Defaults().Injection.Hosts
	}
	if c.Proxy.TimeoutSeconds <= 0 {
		c.Proxy.TimeoutSeconds = 30
	}
	if c.Proxy.MaxResponseMB <= 0 {
		c.Proxy.MaxResponseMB = 10
	}
	if c.Proxy.MaxTunnelSeconds <= 0 {
		c.Proxy.MaxTunnelSeconds = 300
	}
	if c.Proxy.IdleTimeoutSeconds <= 0 {
		c.Proxy.IdleTimeoutSeconds = 120
	}
	if c.Proxy.MaxConcurrentTunnels <= 0 {
		c.Proxy.MaxConcurrentTunnels = 100
	}
	if c.Proxy.UserAgent == "" {
		c.Proxy.UserAgent = "ytap/1.0"
	}
	// 0 means unset; a negative value explicitly disables rate limiting.
	if c.Monitoring.MaxReqPerMinute == 0 {
		c.Monitoring.MaxReqPerMinute = 600
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.Output == "" {
		c.Logging.Output = DefaultLogOutput
	}
}

// Validate checks the config for errors. Must be called after ApplyDefaults.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	if c.InjectionEnabled() {
		nonEmpty := 0
		for _, h := range c.Injection.Hosts {
			if h != "" {
				nonEmpty++
			}
		}
		if nonEmpty == 0 {
			return fmt.Errorf("injection is enabled but injection.hosts has no usable patterns; add hosts or set injection.enabled: false")
		}
	}

	if c.Injection.ScriptFile != "" {
		if _, err := os.Stat(c.Injection.ScriptFile); err != nil {
			return fmt.Errorf("script_file %q: %w", c.Injection.ScriptFile, err)
		}
	}

	switch c.Logging.Format {
	case DefaultLogFormat, "text":
		// valid
	default:
		return fmt.Errorf("invalid logging format %q: must be json or text", c.Logging.Format)
	}

	switch c.Logging.Output {
	case DefaultLogOutput, OutputFile, OutputBoth:
		// valid
	default:
		return fmt.Errorf("invalid logging output %q: must be stdout, file, or both", c.Logging.Output)
	}

	if (c.Logging.Output == OutputFile || c.Logging.Output == OutputBoth) && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is %q", c.Logging.Output)
	}

	// Warn if listen address is not loopback (exposed to network).
	// NOTE: these warnings print to stderr as a side effect.
	if host, _, err := net.SplitHostPort(c.Listen); err == nil {
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			fmt.Fprintf(os.Stderr, "WARNING: listen address %s is not loopback - proxy endpoints (/metrics, /stats) will be exposed to the network\n", c.Listen)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			fmt.Fprintf(os.Stderr, "WARNING: listen address %s binds to all interfaces - consider using 127.0.0.1 for local-only access\n", c.Listen)
		}
	}

	return nil
}

// ReloadWarning describes a behavioral downgrade from a config reload.
type ReloadWarning struct {
	Field   string
	Message string
}

// ValidateReload compares old and new configs and returns warnings for
// changes that silently reduce what the proxy does. Warnings don't block
// the reload.
func ValidateReload(old, updated *Config) []ReloadWarning {
	var warnings []ReloadWarning

	// Injection disabled
	if old.InjectionEnabled() && !updated.InjectionEnabled() {
		warnings = append(warnings, ReloadWarning{
			Field:   "injection.enabled",
			Message: "script injection disabled — proxy passes all responses through",
		})
	}

	// Host patterns reduced
	if len(updated.Injection.Hosts) < len(old.Injection.Hosts) {
		warnings = append(warnings, ReloadWarning{
			Field:   "injection.hosts",
			Message: fmt.Sprintf("host patterns reduced from %d to %d", len(old.Injection.Hosts), len(updated.Injection.Hosts)),
		})
	}

	// Script file changed or removed
	if old.Injection.ScriptFile != updated.Injection.ScriptFile {
		if updated.Injection.ScriptFile == "" {
			warnings = append(warnings, ReloadWarning{
				Field:   "injection.script_file",
				Message: "script_file removed — falling back to the embedded capture script",
			})
		} else {
			warnings = append(warnings, ReloadWarning{
				Field: "injection.script_file",
				Message: fmt.Sprintf("script_file changed from %q to %q — payload will be reloaded",
					old.Injection.ScriptFile, updated.Injection.ScriptFile),
			})
		}
	}

	// Listen address changed (requires restart, reload can't rebind)
	if old.Listen != updated.Listen {
		warnings = append(warnings, ReloadWarning{
			Field:   "listen",
			Message: fmt.Sprintf("listen changed from %s to %s — takes effect on restart only", old.Listen, updated.Listen),
		})
	}

	return warnings
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: 1,
		Listen:  DefaultListen,
		Injection: Injection{
			Hosts: []string{
				"youtube.com",
				"m.youtube.com",
				"www.youtube.com",
				"music.youtube.com",
			},
		},
		Proxy: ProxySettings{
			TimeoutSeconds:       30,
			MaxResponseMB:        10,
			MaxTunnelSeconds:     300,
			IdleTimeoutSeconds:   120,
			MaxConcurrentTunnels: 100,
			UserAgent:            "ytap/1.0",
		},
		Monitoring: Monitoring{
			MaxReqPerMinute: 600,
		},
		Logging: LoggingConfig{
			Format:         DefaultLogFormat,
			Output:         DefaultLogOutput,
			IncludeAllowed: true,
		},
	}
}
