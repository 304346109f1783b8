package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// Config holds the runtime configuration read from the environment.
type Config struct {
	Host     string
	Port     int
	Reader   string        // reader name filter, empty selects the first reader
	Timeout  time.Duration // status-change wait, 0 waits indefinitely
	Verbose  bool
	LogLevel logging.Level
}

// Load reads the configuration from PCSC_AGENT_* environment variables.
// Invalid values fall back to the defaults.
func Load() *Config {
	cfg := &Config{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Timeout:  core.DefaultTimeout,
		LogLevel: logging.LevelInfo,
	}

	if host := os.Getenv("PCSC_AGENT_HOST"); host != "" {
		cfg.Host = host
	}

	if port := os.Getenv("PCSC_AGENT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		}
	}

	cfg.Reader = os.Getenv("PCSC_AGENT_READER")

	// Seconds, as pcscd does; 0 disables the timeout.
	if timeout := os.Getenv("PCSC_AGENT_TIMEOUT"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil && secs >= 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}

	if verbose := os.Getenv("PCSC_AGENT_VERBOSE"); verbose != "" {
		cfg.Verbose = parseBool(verbose)
	}

	if level := os.Getenv("PCSC_AGENT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = logging.ParseLevel(level)
	} else if cfg.Verbose {
		cfg.LogLevel = logging.LevelDebug
	}

	return cfg
}

// Address returns the listen address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionOptions converts the configuration into core session options.
func (c *Config) SessionOptions() []core.Option {
	return []core.Option{
		core.WithTimeout(c.Timeout),
		core.WithVerbose(c.Verbose),
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
