// Package config loads the orchestrator's flags and environment variables
// into a typed Config, following the docker-controller's getEnv(key,
// default) pattern generalized across every variable the engine needs.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external-interfaces section of
// the specification.
type Config struct {
	Port    int
	Host    string

	FrontendOrigin string
	RuntimeSocket  string

	MaxConcurrentSessions int
	SessionsPerHour       int
	CommandsPerMinute     int
	MaxConcurrentChannels int

	MaxContainers     int
	MaxMemoryPercent  float64
	BreakerCooldown   time.Duration

	CleanupInterval  time.Duration
	MaxContainerAge  time.Duration

	DevelopmentMode   bool
	AdminSharedHeader string

	NATSURL string

	ServicePrefix        string
	EnvironmentPluginDir string

	LogLevel  string
	LogPretty bool
}

// Default returns the configuration defaults documented in the
// specification's external-interfaces section before flags/env are applied.
func Default() *Config {
	return &Config{
		Port:                  3001,
		Host:                  "0.0.0.0",
		RuntimeSocket:         "unix:///var/run/docker.sock",
		MaxConcurrentSessions: 2,
		SessionsPerHour:       50,
		CommandsPerMinute:     60,
		MaxConcurrentChannels: 3,
		MaxContainers:         200,
		MaxMemoryPercent:      90.0,
		BreakerCooldown:       30 * time.Second,
		CleanupInterval:       60 * time.Second,
		MaxContainerAge:       6 * time.Hour,
		DevelopmentMode:       false,
		ServicePrefix:         "sandboxd",
		LogLevel:              "info",
	}
}

// Load parses flags (falling back to environment variables, falling back to
// Default()) into a Config and validates it. A non-empty error slice means
// the process must abort with exit code 2 (invalid configuration).
func Load(args []string) (*Config, []error) {
	d := Default()
	fs := flag.NewFlagSet("sandboxd", flag.ContinueOnError)

	cfg := &Config{}
	fs.IntVar(&cfg.Port, "port", envInt("PORT", d.Port), "HTTP listen port")
	fs.StringVar(&cfg.Host, "host", envStr("HOST", d.Host), "HTTP listen host")
	fs.StringVar(&cfg.FrontendOrigin, "frontend-origin", envStr("FRONTEND_ORIGIN", d.FrontendOrigin), "Allowed WebSocket origin")
	fs.StringVar(&cfg.RuntimeSocket, "runtime-socket", envStr("RUNTIME_SOCKET", d.RuntimeSocket), "Container runtime control socket")
	fs.IntVar(&cfg.MaxConcurrentSessions, "max-concurrent-sessions", envInt("MAX_CONCURRENT_SESSIONS", d.MaxConcurrentSessions), "Per-client concurrent session cap")
	fs.IntVar(&cfg.SessionsPerHour, "sessions-per-hour", envInt("SESSIONS_PER_HOUR", d.SessionsPerHour), "Per-client sessions/hour cap")
	fs.IntVar(&cfg.CommandsPerMinute, "commands-per-minute", envInt("COMMANDS_PER_MINUTE", d.CommandsPerMinute), "Per-client commands/minute cap")
	fs.IntVar(&cfg.MaxConcurrentChannels, "max-concurrent-channels", envInt("MAX_CONCURRENT_CHANNELS", d.MaxConcurrentChannels), "Per-client concurrent channel cap")
	fs.IntVar(&cfg.MaxContainers, "max-containers", envInt("MAX_CONTAINERS", d.MaxContainers), "Fleet-wide running container threshold")
	fs.Float64Var(&cfg.MaxMemoryPercent, "max-memory-percent", envFloat("MAX_MEMORY_PERCENT", d.MaxMemoryPercent), "Host memory utilisation threshold")
	fs.DurationVar(&cfg.BreakerCooldown, "breaker-cooldown", envDuration("BREAKER_COOLDOWN_MS", d.BreakerCooldown), "Circuit breaker cool-down before half-open")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", envDuration("CLEANUP_INTERVAL_MS", d.CleanupInterval), "Reaper sweep interval")
	fs.DurationVar(&cfg.MaxContainerAge, "max-container-age", envDuration("MAX_CONTAINER_AGE_MS", d.MaxContainerAge), "Maximum age of an orphaned container before forced removal")
	fs.BoolVar(&cfg.DevelopmentMode, "development-mode", envBool("DEVELOPMENT_MODE", d.DevelopmentMode), "Bypass admission while still maintaining counters")
	fs.StringVar(&cfg.AdminSharedHeader, "admin-shared-header", envStr("ADMIN_SHARED_HEADER", d.AdminSharedHeader), "Shared header value the upstream proxy injects for admin calls")
	fs.StringVar(&cfg.NATSURL, "nats-url", envStr("NATS_URL", d.NATSURL), "Optional NATS URL for lifecycle event publishing")
	fs.StringVar(&cfg.EnvironmentPluginDir, "environment-plugin-dir", envStr("ENVIRONMENT_PLUGIN_DIR", d.EnvironmentPluginDir), "Optional directory of *.json environment overrides")
	fs.StringVar(&cfg.LogLevel, "log-level", envStr("LOG_LEVEL", d.LogLevel), "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.LogPretty, "log-pretty", envBool("LOG_PRETTY", d.LogPretty), "Use a human-readable console log writer instead of JSON")
	cfg.ServicePrefix = d.ServicePrefix

	if err := fs.Parse(args); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", errInvalidConfig, err)}
	}

	return cfg, cfg.Validate()
}

// Validate returns every configuration error found, aggregated rather than
// failing on the first one, so a startup log can report everything wrong
// at once.
func (c *Config) Validate() []error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: port %d out of range", errInvalidConfig, c.Port))
	}
	if c.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("%w: max-concurrent-sessions must be positive", errInvalidConfig))
	}
	if c.SessionsPerHour <= 0 {
		errs = append(errs, fmt.Errorf("%w: sessions-per-hour must be positive", errInvalidConfig))
	}
	if c.CommandsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("%w: commands-per-minute must be positive", errInvalidConfig))
	}
	if c.MaxConcurrentChannels <= 0 {
		errs = append(errs, fmt.Errorf("%w: max-concurrent-channels must be positive", errInvalidConfig))
	}
	if c.MaxMemoryPercent <= 0 || c.MaxMemoryPercent > 100 {
		errs = append(errs, fmt.Errorf("%w: max-memory-percent must be in (0,100]", errInvalidConfig))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("%w: breaker-cooldown must be positive", errInvalidConfig))
	}
	if c.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: cleanup-interval must be positive", errInvalidConfig))
	}
	return errs
}

var errInvalidConfig = fmt.Errorf("invalid configuration")

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration reads a millisecond count from the environment (the variable
// names in the spec are all "_MS" suffixed) and returns a time.Duration.
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
