package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Addr() != "0.0.0.0:8776" {
		t.Errorf("Addr() = %q, want 0.0.0.0:8776", cfg.Addr())
	}
	if cfg.LogDir != "logs" {
		t.Errorf("LogDir = %q, want logs", cfg.LogDir)
	}
	if cfg.RestartTimeout != 10*time.Second {
		t.Errorf("RestartTimeout = %v, want 10s", cfg.RestartTimeout)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LLM_SHELL_HOST", "127.0.0.1")
	t.Setenv("LLM_SHELL_PORT", "9000")
	t.Setenv("LLM_SHELL_LOG_DIR", "/tmp/llmshell-logs")
	t.Setenv("LLM_SHELL_RESTART_TIMEOUT", "3")

	cfg := FromEnv()
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9000", cfg.Addr())
	}
	if cfg.LogDir != "/tmp/llmshell-logs" {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.RestartTimeout != 3*time.Second {
		t.Errorf("RestartTimeout = %v, want 3s", cfg.RestartTimeout)
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("LLM_SHELL_PORT", "not-a-port")
	t.Setenv("LLM_SHELL_RESTART_TIMEOUT", "-1")

	cfg := FromEnv()
	if cfg.Port != 8776 {
		t.Errorf("Port = %d, want default 8776", cfg.Port)
	}
	if cfg.RestartTimeout != 10*time.Second {
		t.Errorf("RestartTimeout = %v, want default 10s", cfg.RestartTimeout)
	}
}
