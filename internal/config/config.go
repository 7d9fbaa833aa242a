// Package config loads the service configuration: defaults, then an
// optional YAML file, then environment variables, then command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds the whole service configuration.
type Config struct {
	HTTPPort    int    `koanf:"http_port"`
	DatabaseURL string `koanf:"database_url"`
	LogLevel    string `koanf:"log_level"`

	Compute     ComputeConfig     `koanf:"compute"`
	SSH         SSHConfig         `koanf:"ssh"`
	Monitor     MonitorConfig     `koanf:"monitor"`
	Restart     RestartConfig     `koanf:"restart"`
	Termination TerminationConfig `koanf:"termination"`
	Billing     BillingConfig     `koanf:"billing"`
	Narrator    NarratorConfig    `koanf:"narrator"`
	Stream      StreamConfig      `koanf:"stream"`
}

// ComputeConfig points at the provisioning API and collaborator services.
type ComputeConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APIKey         string        `koanf:"api_key"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	WalletURL      string        `koanf:"wallet_url"`
	ArtifactURL    string        `koanf:"artifact_url"`
}

// SSHConfig reaches the loopback service inside a node.
type SSHConfig struct {
	User       string        `koanf:"user"`
	KeyPath    string        `koanf:"key_path"`
	Port       int           `koanf:"port"`
	TargetPort int           `koanf:"target_port"`
	Timeout    time.Duration `koanf:"timeout"`
}

// MonitorConfig bounds stall detection.
type MonitorConfig struct {
	PollInterval        time.Duration `koanf:"poll_interval"`
	HeartbeatTimeout    time.Duration `koanf:"heartbeat_timeout"`
	StartupGrace        time.Duration `koanf:"startup_grace"`
	MaxMissedHeartbeats int           `koanf:"max_missed_heartbeats"`
}

// RestartConfig bounds node replacement.
type RestartConfig struct {
	MaxRestartAttempts int           `koanf:"max_restart_attempts"`
	AddrPollInterval   time.Duration `koanf:"addr_poll_interval"`
	AddrPollTimeout    time.Duration `koanf:"addr_poll_timeout"`
	MaxBlockingWorkers int64         `koanf:"max_blocking_workers"`
}

// TerminationConfig bounds the shutdown workflow.
type TerminationConfig struct {
	LeaseDuration    time.Duration `koanf:"lease_duration"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	MaxAttempts      int           `koanf:"max_attempts"`
	TerminatePayload string        `koanf:"terminate_payload"`
}

// BillingConfig bounds cost reconciliation retries.
type BillingConfig struct {
	PollInterval  time.Duration `koanf:"poll_interval"`
	BaseInterval  time.Duration `koanf:"base_interval"`
	MaxInterval   time.Duration `koanf:"max_interval"`
	MaxRetryCount int           `koanf:"max_retry_count"`
	MaxElapsed    time.Duration `koanf:"max_elapsed"`
}

// NarratorConfig bounds event ingestion.
type NarratorConfig struct {
	QueueSize     int           `koanf:"queue_size"`
	MaxCASRetries int           `koanf:"max_cas_retries"`
	ApplyTimeout  time.Duration `koanf:"apply_timeout"`
}

// StreamConfig bounds the live viewer stream.
type StreamConfig struct {
	SubscriberBuffer  int           `koanf:"subscriber_buffer"`
	KeepaliveInterval time.Duration `koanf:"keepalive_interval"`
}

func defaults() map[string]any {
	return map[string]any{
		"http_port":    8080,
		"database_url": "file:scientist.db?cache=shared&mode=rwc",
		"log_level":    "info",

		"compute.base_url":        "http://localhost:9090",
		"compute.request_timeout": "30s",
		"compute.wallet_url":      "http://localhost:9091",
		"compute.artifact_url":    "http://localhost:9092",

		"ssh.user":        "root",
		"ssh.port":        22,
		"ssh.target_port": 8000,
		"ssh.timeout":     "15s",

		"monitor.poll_interval":         "60s",
		"monitor.heartbeat_timeout":     "60s",
		"monitor.startup_grace":         "10m",
		"monitor.max_missed_heartbeats": 5,

		"restart.max_restart_attempts": 3,
		"restart.addr_poll_interval":   "10s",
		"restart.addr_poll_timeout":    "10m",
		"restart.max_blocking_workers": 8,

		"termination.lease_duration":    "5m",
		"termination.poll_interval":     "30s",
		"termination.max_attempts":      10,
		"termination.terminate_payload": "terminated by supervisor",

		"billing.poll_interval":   "1m",
		"billing.base_interval":   "2m",
		"billing.max_interval":    "1h",
		"billing.max_retry_count": 10,
		"billing.max_elapsed":     "48h",

		"narrator.queue_size":      256,
		"narrator.max_cas_retries": 5,
		"narrator.apply_timeout":   "30s",

		"stream.subscriber_buffer":  128,
		"stream.keepalive_interval": "25s",
	}
}

// Load builds the configuration. path may be empty or point at a YAML
// file; flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// SCIENTIST_MONITOR__POLL_INTERVAL=30s -> monitor.poll_interval
	if err := k.Load(env.Provider("SCIENTIST_", ".", func(key string) string {
		key = strings.TrimPrefix(key, "SCIENTIST_")
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
