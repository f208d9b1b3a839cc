package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/drwave/drwave/internal/capacity"
	"github.com/drwave/drwave/internal/engine"
	"github.com/drwave/drwave/internal/telemetry"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-east-1"
	}
	if cfg.AWS.SessionName == "" {
		cfg.AWS.SessionName = "drwave"
	}
	if cfg.RateLimit.BurstCapacity == 0 {
		cfg.RateLimit.BurstCapacity = 10
	}
	if cfg.RateLimit.RefillRate == 0 {
		cfg.RateLimit.RefillRate = 2
	}

	defEngine := engine.DefaultConfig()
	if cfg.Engine.RateLimiterTimeout == 0 {
		cfg.Engine.RateLimiterTimeout = defEngine.RateLimiterTimeout
	}
	if cfg.Engine.PollInterval == 0 {
		cfg.Engine.PollInterval = defEngine.PollInterval
	}
	if cfg.Engine.ClaimTTL == 0 {
		cfg.Engine.ClaimTTL = defEngine.ClaimTTL
	}
	if cfg.Engine.Retry.MaxRetries == 0 {
		cfg.Engine.Retry = defEngine.Retry
	}
	if cfg.Engine.Throttle.MaxConcurrentJobs == 0 {
		cfg.Engine.Throttle = defEngine.Throttle
	}

	defCapacity := capacity.DefaultConfig()
	if cfg.Capacity.ReplicatingServerLimit == 0 {
		cfg.Capacity.ReplicatingServerLimit = defCapacity.ReplicatingServerLimit
	}
	if cfg.Capacity.WorkerPoolSize == 0 {
		cfg.Capacity.WorkerPoolSize = defCapacity.WorkerPoolSize
	}
	if cfg.Capacity.QueryTimeout == 0 {
		cfg.Capacity.QueryTimeout = defCapacity.QueryTimeout
	}

	defQueue := telemetry.DefaultConfig()
	if cfg.Telemetry.Queue.QueueSize == 0 {
		cfg.Telemetry.Queue.QueueSize = defQueue.QueueSize
	}
	if cfg.Telemetry.Queue.BatchSize == 0 {
		cfg.Telemetry.Queue.BatchSize = defQueue.BatchSize
	}
	if cfg.Telemetry.Queue.FlushInterval == 0 {
		cfg.Telemetry.Queue.FlushInterval = defQueue.FlushInterval
	}
	if cfg.Telemetry.Namespace == "" {
		cfg.Telemetry.Namespace = "DRWave"
	}
}
