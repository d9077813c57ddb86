// Package config holds the daemon settings. Values come from LLM_SHELL_*
// environment variables (optionally seeded from a .env file) with
// command-line flags taking precedence; see cmd/llmshelld.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix for all environment variables read by the daemon.
const EnvPrefix = "LLM_SHELL_"

// Config is the resolved daemon configuration.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port int

	// LogDir is where per-run log files are written, relative to the
	// daemon's working directory.
	LogDir string

	// RestartTimeout is the default graceful phase for POST /restart when
	// the request does not carry a timeout parameter.
	RestartTimeout time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8776,
		LogDir:         "logs",
		RestartTimeout: 10 * time.Second,
	}
}

// FromEnv returns Default overlaid with any LLM_SHELL_* variables present in
// the environment. A .env file in the working directory is loaded first if it
// exists; variables already set in the real environment win over the file.
func FromEnv() Config {
	// godotenv does not override existing env vars, which gives the
	// precedence we want. A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := Default()
	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if v := os.Getenv(EnvPrefix + "LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv(EnvPrefix + "RESTART_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			cfg.RestartTimeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
