package dispatcher

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vrp-orchestrator/pkg/backoff"
	"vrp-orchestrator/pkg/circuitbreaker"
	"vrp-orchestrator/pkg/cloudevent"
)

// MemoryDispatcher delivers job status webhooks from memory.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
// Each destination host has its own circuit breaker; events for a host
// whose breaker is open wait one cooldown and are queued again.
// Supersedable events are skipped once a newer event for the same subject
// has been queued.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	superseded   atomic.Int64
	retriesTotal atomic.Int64

	// latest maps a payload subject to the sequence of its newest queued event.
	seqMu   sync.Mutex
	nextSeq uint64
	latest  map[string]uint64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherSuperseded(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		latest:   make(map[string]uint64),
		shutdown: make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			d.logger.Info("Webhook circuit state changed", "destination", host, "from", from.String(), "to", to.String())
		},
	})

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	subject := event.Payload.Subject
	d.seqMu.Lock()
	d.nextSeq++
	event.seq = d.nextSeq
	select {
	case d.queue <- event:
		if subject != "" {
			d.latest[subject] = event.seq
		}
		d.seqMu.Unlock()
		d.queued.Add(1)
		return nil
	default:
		d.seqMu.Unlock()
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
			"jobId", event.Payload.Subject,
		)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		Superseded:    d.superseded.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
		OpenHosts:     d.breakers.OpenKeys(),
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes events from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	if d.isSuperseded(event) {
		d.superseded.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherSuperseded(context.Background())
		}
		d.logger.Debug("Event superseded", "type", event.Payload.Type, "jobId", event.Payload.Subject)
		return
	}

	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host, breaker.RetryAfter())
		return
	}
	defer d.settle(event)

	// Bounds one event's sends and backoff waits together.
	budget := time.Duration(d.config.MaxRetries+1)*d.config.HTTPTimeout + d.config.Backoff.Max*time.Duration(d.config.MaxRetries)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"jobId", event.Payload.Subject,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// isSuperseded reports whether a newer event for the same subject is queued.
func (d *MemoryDispatcher) isSuperseded(event *Event) bool {
	if !event.Supersedable || event.Payload.Subject == "" {
		return false
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	return d.latest[event.Payload.Subject] > event.seq
}

// settle forgets the subject once its newest event has been handled.
func (d *MemoryDispatcher) settle(event *Event) {
	subject := event.Payload.Subject
	if subject == "" {
		return
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.latest[subject] == event.seq {
		delete(d.latest, subject)
	}
}

// requeue puts an event back in the queue once the host's circuit may
// admit a probe again.
func (d *MemoryDispatcher) requeue(event *Event, host string, wait time.Duration) {
	if event.Requeues >= d.config.MaxRequeues {
		d.settle(event)
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.Requeues,
		)
		return
	}

	event.Requeues++
	requeues := event.Requeues
	d.requeued.Add(1)
	if wait <= 0 {
		// Half-open with a probe in flight; give it one request timeout.
		wait = d.config.HTTPTimeout
	}
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	go func() {
		select {
		case <-d.shutdown:
			d.settle(event)
			return
		case <-time.After(wait):
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
			d.settle(event)
		default:
			d.settle(event)
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDropped(context.Background())
			}
			d.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", event.Payload.Type)
		}
	}()
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
		Signature:  event.Signature,
	}

	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, d.retryWait(attempt, lastErr)); err != nil {
				return err
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// retryWait is the backoff delay, stretched to a receiver's Retry-After
// but never past Backoff.Max.
func (d *MemoryDispatcher) retryWait(attempt int, lastErr error) time.Duration {
	wait := backoff.Exponential(attempt, &d.config.Backoff)
	if hint := cloudevent.RetryAfter(lastErr); hint > wait {
		wait = min(hint, d.config.Backoff.Max)
	}
	return wait
}

// extractHost returns the lowercased host[:port] of a webhook URL, the
// circuit breaker key. Unparseable input is returned as is.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return strings.ToLower(parsed.Host)
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
