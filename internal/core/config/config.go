package config

import (
	"github.com/drwave/drwave/internal/capacity"
	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/engine"
	"github.com/drwave/drwave/internal/infra/claims"
	"github.com/drwave/drwave/internal/infra/storage/postgres"
	"github.com/drwave/drwave/internal/telemetry"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  postgres.Config `yaml:"database"`
	Redis     claims.Config   `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	AWS       AWSConfig       `yaml:"aws"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Engine    engine.Config   `yaml:"engine"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Capacity  capacity.Config `yaml:"capacity"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	SNS       SNSConfig       `yaml:"sns"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// AWSConfig holds base AWS settings shared by all outbound clients.
type AWSConfig struct {
	Region      string `yaml:"region"`
	SessionName string `yaml:"session_name"`
}

// AccountConfig holds settings for one monitored account.
type AccountConfig struct {
	ID         string   `yaml:"id"`
	Type       string   `yaml:"type"` // primary or secondary
	RoleARN    string   `yaml:"role_arn"`
	ExternalID string   `yaml:"external_id"`
	Regions    []string `yaml:"regions"`
}

// Account converts the entry to its domain form.
func (a AccountConfig) Account() domain.Account {
	return domain.Account{
		ID:         a.ID,
		Type:       domain.AccountType(a.Type),
		RoleARN:    a.RoleARN,
		ExternalID: a.ExternalID,
		Regions:    a.Regions,
	}
}

// RateLimitConfig holds per-region token bucket settings.
type RateLimitConfig struct {
	BurstCapacity float64 `yaml:"burst_capacity"`
	RefillRate    float64 `yaml:"refill_rate"` // tokens per second
}

// TelemetryConfig holds the telemetry queue and publisher settings.
type TelemetryConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Namespace string           `yaml:"namespace"`
	Queue     telemetry.Config `yaml:"queue"`
}

// SNSConfig holds escalation topic settings. An empty topic disables
// escalation delivery.
type SNSConfig struct {
	TopicARN string `yaml:"topic_arn"`
}
