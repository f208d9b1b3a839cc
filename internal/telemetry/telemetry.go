// Package telemetry delivers structured metric events to an external sink.
// Emission never blocks the calling path: events go through a bounded
// queue and a dedicated consumer flushes them in batches.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drwave/drwave/internal/metrics"
)

// Event is one structured telemetry datum.
type Event struct {
	Name       string
	Value      float64
	Dimensions map[string]string
	Timestamp  time.Time
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(ev Event)
}

// Publisher delivers a batch of events to the sink.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// Nop discards all events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Config controls queue behaviour.
type Config struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultConfig returns queue defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     1024,
		BatchSize:     20,
		FlushInterval: 30 * time.Second,
	}
}

// Queue is a bounded fire-and-forget emitter. Overflowing events are
// dropped and counted; Close flushes whatever remains.
type Queue struct {
	cfg       Config
	publisher Publisher
	ch        chan Event
	dropped   atomic.Uint64
	log       *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue in front of the publisher. Call Start before
// emitting.
func NewQueue(cfg Config, publisher Publisher) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Queue{
		cfg:       cfg,
		publisher: publisher,
		ch:        make(chan Event, cfg.QueueSize),
		log:       slog.Default(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Emit enqueues the event, dropping it if the queue is full.
func (q *Queue) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
		metrics.TelemetryDropped.Inc()
	}
}

// Dropped returns the number of events lost to overflow.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Start runs the consumer until Close is called or ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, q.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Bounded delivery time so shutdown cannot hang on the sink.
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := q.publisher.Publish(pubCtx, batch); err != nil {
			q.log.Warn("Telemetry publish failed", "events", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			q.drain(&batch)
			flush()
			return
		case <-q.stop:
			q.drain(&batch)
			flush()
			return
		case ev := <-q.ch:
			batch = append(batch, ev)
			if len(batch) >= q.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain moves whatever is buffered in the channel into the batch.
func (q *Queue) drain(batch *[]Event) {
	for {
		select {
		case ev := <-q.ch:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

// Close stops the consumer and flushes remaining events.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}
