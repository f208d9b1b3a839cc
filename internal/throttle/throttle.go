// Package throttle gates new job submissions against the external
// service's concurrent-job limit.
package throttle

import (
	"context"
	"time"

	"github.com/drwave/drwave/internal/core/domain"
	"github.com/drwave/drwave/internal/metrics"
)

// JobCounter reports how many jobs are currently in a non-terminal state.
type JobCounter interface {
	CountActiveJobs(ctx context.Context) (int, error)
}

// Config controls throttling behaviour.
type Config struct {
	// MaxConcurrentJobs is the service's hard limit.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
	// Threshold is the fraction of the hard limit at which throttling
	// activates (soft gate below the hard limit).
	Threshold    float64       `yaml:"threshold"`
	PollInterval time.Duration `yaml:"poll_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
}

// DefaultConfig matches the service's published limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 20,
		Threshold:         0.9,
		PollInterval:      15 * time.Second,
		WaitTimeout:       5 * time.Minute,
	}
}

// Capacity is a point-in-time view of job capacity.
type Capacity struct {
	CurrentJobs      int  `json:"current_jobs"`
	MaxJobs          int  `json:"max_jobs"`
	AvailableSlots   int  `json:"available_slots"`
	ThrottlingActive bool `json:"throttling_active"`
	AtCapacity       bool `json:"at_capacity"`
}

// WaitResult describes a successful capacity wait.
type WaitResult struct {
	CurrentJobs int           `json:"current_jobs"`
	MaxJobs     int           `json:"max_jobs"`
	Waited      time.Duration `json:"waited"`
}

// Throttler polls the external job count and blocks submissions while the
// service is near its limit. It is a soft gate: concurrent callers may
// still race past the threshold between poll and submission, so a
// subsequent throttling response from the submission call must be treated
// as retryable by the caller.
type Throttler struct {
	counter JobCounter
	region  string
	cfg     Config
}

// New creates a throttler for one region's job API.
func New(counter JobCounter, region string, cfg Config) *Throttler {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultConfig().MaxConcurrentJobs
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	return &Throttler{counter: counter, region: region, cfg: cfg}
}

func (t *Throttler) thresholdCount() int {
	return int(float64(t.cfg.MaxConcurrentJobs) * t.cfg.Threshold)
}

// CheckCapacity queries the current job count once.
func (t *Throttler) CheckCapacity(ctx context.Context) (Capacity, error) {
	current, err := t.counter.CountActiveJobs(ctx)
	if err != nil {
		return Capacity{}, err
	}
	available := t.cfg.MaxConcurrentJobs - current
	if available < 0 {
		available = 0
	}
	return Capacity{
		CurrentJobs:      current,
		MaxJobs:          t.cfg.MaxConcurrentJobs,
		AvailableSlots:   available,
		ThrottlingActive: current >= t.thresholdCount(),
		AtCapacity:       current >= t.cfg.MaxConcurrentJobs,
	}, nil
}

// WaitForCapacity polls until the active-job count drops below the
// threshold or the timeout elapses, in which case it returns a
// *domain.CapacityTimeoutError rather than blocking forever.
func (t *Throttler) WaitForCapacity(ctx context.Context) (WaitResult, error) {
	start := time.Now()
	deadline := start.Add(t.cfg.WaitTimeout)

	for {
		cap, err := t.CheckCapacity(ctx)
		if err != nil {
			return WaitResult{}, err
		}
		if !cap.ThrottlingActive {
			metrics.ThrottleWaits.WithLabelValues(t.region, "ok").Inc()
			return WaitResult{
				CurrentJobs: cap.CurrentJobs,
				MaxJobs:     cap.MaxJobs,
				Waited:      time.Since(start),
			}, nil
		}

		if time.Now().After(deadline) {
			metrics.ThrottleWaits.WithLabelValues(t.region, "timeout").Inc()
			return WaitResult{}, &domain.CapacityTimeoutError{
				Region:      t.region,
				CurrentJobs: cap.CurrentJobs,
				MaxJobs:     cap.MaxJobs,
				Waited:      time.Since(start),
			}
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-time.After(t.cfg.PollInterval):
		}
	}
}
