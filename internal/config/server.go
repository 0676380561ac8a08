package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session modes accepted by --mode.
const (
	ModeStateless = "stateless"
	ModeStateful  = "stateful"
)

// ServerConfig holds configuration for the calculator server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Mode           string        `yaml:"mode"`
	JSONResponse   bool          `yaml:"json_response"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RetentionGrace time.Duration `yaml:"retention_grace"`
	MaxEvents      int           `yaml:"max_events"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

// SetDefaults initializes unset fields with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Mode == "" {
		c.Mode = ModeStateful
	}
	if c.Port == 0 {
		c.Port = DefaultPort(c.Mode)
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.RetentionGrace == 0 {
		c.RetentionGrace = 5 * time.Minute
	}
	if c.MaxEvents == 0 {
		c.MaxEvents = 1024
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// DefaultPort returns the listen port used when none is configured.
func DefaultPort(mode string) int {
	if mode == ModeStateless {
		return 8002
	}
	return 8003
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := GetEnv("MODE", ""); v != "" {
		c.Mode = strings.ToLower(v)
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("JSON_RESPONSE", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.JSONResponse = b
		}
	}
	if v := GetEnv("IDLE_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleTimeout = d
		}
	}
	if v := GetEnv("RETENTION_GRACE", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RetentionGrace = d
		}
	}
	if v := GetEnv("MAX_EVENTS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxEvents = n
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
}

// BindFlags binds command line flags using the current config values as
// defaults so main can call flag.Parse().
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	fs.StringVar(&c.Mode, "mode", c.Mode, "session mode (stateless, stateful)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port (default 8003 stateful, 8002 stateless)")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	fs.BoolVar(&c.JSONResponse, "json-response", c.JSONResponse, "answer requests with application/json instead of an SSE stream")
	fs.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "close stateful sessions idle for this long")
	fs.DurationVar(&c.RetentionGrace, "retention-grace", c.RetentionGrace, "keep a closed session's event log for this long before purging")
	fs.IntVar(&c.MaxEvents, "max-events", c.MaxEvents, "maximum events retained per session stream")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight calls on shutdown (default 30s, -1 waits indefinitely)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for the event store; empty keeps events in memory")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// Validate reports configuration values the server cannot run with.
func (c *ServerConfig) Validate() error {
	switch c.Mode {
	case ModeStateless, ModeStateful:
	default:
		return fmt.Errorf("invalid mode %q: want %s or %s", c.Mode, ModeStateless, ModeStateful)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("max events must be positive, got %d", c.MaxEvents)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.RetentionGrace < 0 {
		return fmt.Errorf("retention grace must not be negative, got %s", c.RetentionGrace)
	}
	return nil
}

// Stateful reports whether sessions are retained across requests.
func (c *ServerConfig) Stateful() bool { return c.Mode == ModeStateful }

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
