// Package config provides configuration parsing and validation for ping.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sryze/ping/internal/inet"
	"github.com/sryze/ping/internal/logging"
	"github.com/sryze/ping/internal/transport"
)

// Config holds every setting a run needs. Command-line flags override the
// values loaded from a file.
type Config struct {
	Family    string        `yaml:"family"`     // auto, ipv4, ipv6
	Transport string        `yaml:"transport"`  // raw, icmp
	Timeout   time.Duration `yaml:"timeout"`    // per-request reply timeout
	Interval  time.Duration `yaml:"interval"`   // time between request starts
	Count     int           `yaml:"count"`      // 0 = until interrupted
	PollWait  time.Duration `yaml:"poll_wait"`  // bound on one readiness wait
	Output    string        `yaml:"output"`     // CSV probe log path
	LogLevel  string        `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string        `yaml:"log_format"` // text, json
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Family:    "auto",
		Transport: string(transport.KindRaw),
		Timeout:   1000 * time.Millisecond,
		Interval:  1000 * time.Millisecond,
		Count:     0,
		PollWait:  100 * time.Millisecond,
		LogLevel:  "warn",
		LogFormat: "text",
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown plain
// references are kept as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if _, err := ParseFamily(c.Family); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := transport.ParseKind(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Timeout <= 0 {
		errs = append(errs, "timeout must be positive")
	}
	if c.Interval <= 0 {
		errs = append(errs, "interval must be positive")
	}
	if c.Count < 0 {
		errs = append(errs, "count must not be negative")
	}
	if c.PollWait <= 0 {
		errs = append(errs, "poll_wait must be positive")
	}
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseFamily maps a family name to inet.Family. "auto" and "" yield the
// zero Family, which lets resolution try IPv4 before IPv6.
func ParseFamily(s string) (inet.Family, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return 0, nil
	case "4", "ipv4", "ip4":
		return inet.V4, nil
	case "6", "ipv6", "ip6":
		return inet.V6, nil
	default:
		return 0, fmt.Errorf("invalid family: %s (must be auto, ipv4, or ipv6)", s)
	}
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
