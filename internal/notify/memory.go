package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"sled/pkg/backoff"
	"sled/pkg/circuitbreaker"
	"sled/pkg/httpevent"
)

const (
	defaultBufferSize       = 256
	defaultWorkers          = 2
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// MemoryConfig configures the in-memory notifier.
type MemoryConfig struct {
	URL         string        // receiver endpoint (required)
	SigningKey  string        // HMAC key, "" = unsigned
	BufferSize  int           // queued events before dropping (default 256)
	Workers     int           // delivery goroutines (default 2)
	HTTPTimeout time.Duration // per-request timeout (default 10s)
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Stats is a snapshot of notifier counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	RetriesTotal int64
	BreakersOpen int
}

// Memory is the in-memory async notifier. Delivery failures never affect
// the batch outcome; a persistently dead receiver trips the breaker and
// subsequent events are dropped until it recovers.
type Memory struct {
	queue    chan *httpevent.Event
	sender   *httpevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// NewMemory creates and starts an in-memory notifier.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *Memory {
	cfg = cfg.withDefaults()

	m := &Memory{
		queue:  make(chan *httpevent.Event, cfg.BufferSize),
		sender: httpevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	m.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go m.worker()
	}

	m.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return m
}

// Notify queues an event for async delivery.
func (m *Memory) Notify(event *httpevent.Event) error {
	if m.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case m.queue <- event:
		m.queued.Add(1)
		return nil
	default:
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.RecordNotifyDropped(context.Background())
		}
		m.logger.Warn("Event dropped, buffer full", "type", event.Type, "subject", event.Subject)
		return ErrBufferFull
	}
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	open := m.breakers.Stats().Open
	return Stats{
		QueueDepth:   len(m.queue),
		Queued:       m.queued.Load(),
		Delivered:    m.delivered.Load(),
		Failed:       m.failed.Load(),
		Dropped:      m.dropped.Load(),
		RetriesTotal: m.retriesTotal.Load(),
		BreakersOpen: open,
	}
}

// Close drains the queue and stops the workers.
func (m *Memory) Close(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.logger.Info("Notifier shutting down", "queued", len(m.queue))
	close(m.shutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Notifier shutdown complete",
			"delivered", m.delivered.Load(),
			"failed", m.failed.Load(),
			"dropped", m.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		m.logger.Warn("Notifier shutdown timed out", "remaining", len(m.queue))
		return ctx.Err()
	}
}

func (m *Memory) worker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.shutdown:
			m.drainQueue()
			return
		case event := <-m.queue:
			m.deliver(event)
		}
	}
}

func (m *Memory) drainQueue() {
	for {
		select {
		case event := <-m.queue:
			m.deliver(event)
		default:
			return
		}
	}
}

func (m *Memory) deliver(event *httpevent.Event) {
	breaker := m.breakers.For(extractHost(m.config.URL))
	if !breaker.Allow() {
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.RecordNotifyDropped(context.Background())
		}
		m.logger.Debug("Event dropped, breaker open", "type", event.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := m.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		m.failed.Add(1)
		if m.metrics != nil {
			m.metrics.RecordNotifyFailed(ctx)
		}
		m.logger.Warn("Delivery failed", "type", event.Type, "subject", event.Subject, "error", err)
		return
	}

	breaker.RecordSuccess()
	m.delivered.Add(1)
	if m.metrics != nil {
		m.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (m *Memory) sendWithRetry(ctx context.Context, event *httpevent.Event) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			m.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = m.sender.Send(ctx, m.config.URL, event, m.config.SigningKey)
		if lastErr == nil {
			return nil
		}
		if httpevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost keys the breaker registry by receiver host so that a
// future multi-destination notifier isolates failures per endpoint.
func extractHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

var _ Notifier = (*Memory)(nil)
var _ Notifier = Nop{}
