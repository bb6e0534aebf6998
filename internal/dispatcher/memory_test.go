package dispatcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/observability"
	"vrp-orchestrator/internal/testutil"
	"vrp-orchestrator/pkg/backoff"
	"vrp-orchestrator/pkg/cloudevent"
)

var _ MetricsRecorder = (*observability.Metrics)(nil)

// countingRecorder counts dispatcher metric calls.
type countingRecorder struct {
	delivered, failed, dropped, requeued, superseded atomic.Int64
}

func (r *countingRecorder) RecordDispatcherDelivered(context.Context, float64) { r.delivered.Add(1) }
func (r *countingRecorder) RecordDispatcherFailed(context.Context) { r.failed.Add(1) }
func (r *countingRecorder) RecordDispatcherDropped(context.Context) { r.dropped.Add(1) }
func (r *countingRecorder) RecordDispatcherRequeued(context.Context) { r.requeued.Add(1) }
func (r *countingRecorder) RecordDispatcherSuperseded(context.Context) { r.superseded.Add(1) }
func (r *countingRecorder) RecordDispatcherQueueSize(context.Context, int64) {}

// fastConfig keeps retry and breaker waits short enough for tests.
func fastConfig(workers int) MemoryConfig {
	return MemoryConfig{
		BufferSize:       100,
		Workers:          workers,
		HTTPTimeout:      5 * time.Second,
		Backoff:          backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		BreakerThreshold: 5,
		BreakerCooldown:  200 * time.Millisecond,
	}
}

func statusEvent(jobID string, status job.Status) *cloudevent.CloudEvent {
	return job.NewStatusEvent("vrp-orchestrator", job.Snapshot{
		JobID:     jobID,
		OwnerID:   "alice",
		Status:    status,
		Progress:  100,
		UpdatedAt: time.Now().UTC(),
	})
}

func closeDispatcher(t *testing.T, d *MemoryDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(2), nil)
	defer closeDispatcher(t, d)

	err := d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusSucceeded), Destination: server.URL})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}
	if stats := d.Stats(); stats.Queued != 1 {
		t.Errorf("expected 1 queued, got %d", stats.Queued)
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig(1)
	cfg.BufferSize = 2
	d := NewMemory(cfg, nil)

	var full int
	for range 6 {
		if err := d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusRunning), Destination: server.URL}); errors.Is(err, ErrBufferFull) {
			full++
		}
	}
	close(release)

	if full == 0 {
		t.Error("expected some dispatches to report a full buffer")
	}
	if d.Stats().Dropped != int64(full) {
		t.Errorf("expected %d dropped, got %d", full, d.Stats().Dropped)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(1), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusFailed), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if stats := d.Stats(); stats.RetriesTotal != 2 {
		t.Errorf("expected 2 retries, got %d", stats.RetriesTotal)
	}
}

func TestMemoryDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := fastConfig(1)
	cfg.MaxRetries = 2
	d := NewMemory(cfg, nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusFailed), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if attempts.Load() != 3 {
		t.Errorf("expected 1 send and 2 retries, got %d attempts", attempts.Load())
	}
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(1), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusSucceeded), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_CircuitBreaker(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig(1)
	cfg.MaxRetries = -1
	cfg.BreakerThreshold = 3
	cfg.BreakerCooldown = time.Hour
	d := NewMemory(cfg, nil)

	for range 6 {
		_ = d.Dispatch(&Event{Payload: statusEvent("job-1", job.StatusRunning), Destination: server.URL})
	}

	testutil.MustWaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Failed == 3 && stats.Requeued == 3
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	if attempts.Load() != 3 {
		t.Errorf("expected the open circuit to stop requests after 3, got %d", attempts.Load())
	}
	if stats := d.Stats(); stats.BreakersOpen != 1 || len(stats.OpenHosts) != 1 {
		t.Errorf("expected 1 open breaker, got %d %v", stats.BreakersOpen, stats.OpenHosts)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_CircuitBreakerRecovery(t *testing.T) {
	t.Parallel()
	const numEvents = 20

	var requests atomic.Int64
	failUntil := time.Now().Add(150 * time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if time.Now().Before(failUntil) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := fastConfig(4)
	cfg.MaxRetries = -1
	cfg.HTTPTimeout = 200 * time.Millisecond
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = 200 * time.Millisecond
	cfg.MaxRequeues = 20
	d := NewMemory(cfg, nil)
	defer closeDispatcher(t, d)

	for i := range numEvents {
		_ = d.Dispatch(&Event{Payload: statusEvent(strings.Repeat("j", i+1), job.StatusSucceeded), Destination: server.URL})
	}

	testutil.MustWaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered+stats.Failed+stats.Dropped >= numEvents && stats.Delivered > 0
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(10*time.Millisecond))

	stats := d.Stats()
	t.Logf("requests=%d delivered=%d failed=%d requeued=%d", requests.Load(), stats.Delivered, stats.Failed, stats.Requeued)

	if stats.Requeued == 0 {
		t.Error("expected some events to be requeued due to open circuit")
	}
	if stats.Dropped != 0 {
		t.Errorf("expected no drops, got %d", stats.Dropped)
	}
}

func TestMemoryDispatcher_CloudEventHeaders(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(1), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(&Event{Payload: statusEvent("job-123", job.StatusSucceeded), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	if ct := headers.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("expected cloudevents content type, got %s", ct)
	}
	if ceType := headers.Get("Ce-Type"); ceType != job.EventTypeSucceeded {
		t.Errorf("expected Ce-Type %s, got %s", job.EventTypeSucceeded, ceType)
	}
}

func TestMemoryDispatcher_Signature(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var signature string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		signature = r.Header.Get("X-Signature-256")
		body = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(1), nil)
	defer closeDispatcher(t, d)

	_ = d.Dispatch(&Event{
		Payload:     statusEvent("job-1", job.StatusSucceeded),
		Destination: server.URL,
		SigningKey:  "secret-key",
	})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(signature, "sha256=") {
		t.Fatalf("unexpected signature format: %s", signature)
	}
	if !cloudevent.Verify(body, signature, "secret-key") {
		t.Error("expected signature to verify against the delivered body")
	}
}

func TestMemoryDispatcher_GracefulShutdown(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(2), nil)
	for i := range 10 {
		_ = d.Dispatch(&Event{Payload: statusEvent(strings.Repeat("j", i+1), job.StatusRunning), Destination: server.URL})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}

	err := d.Dispatch(&Event{Payload: statusEvent("late", job.StatusRunning), Destination: server.URL})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestMemoryDispatcher_SupersededStatusSkipped(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get("Ce-Subject")
		if subject == "other" {
			started <- struct{}{}
			<-release
		}
		mu.Lock()
		got = append(got, r.Header.Get("Ce-Type")+" "+subject)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	// Runs before server.Close, which would otherwise wait on the blocked handler.
	defer unblock()

	metrics := &countingRecorder{}
	d := NewMemory(fastConfig(1), metrics)
	dispatch := func(e *Event) {
		t.Helper()
		if err := d.Dispatch(e); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}

	// Occupies the only worker so the job's events queue up behind it.
	dispatch(&Event{Payload: statusEvent("other", job.StatusSucceeded), Destination: server.URL})
	testutil.MustReceive[struct{}](t, started, 5*time.Second)

	for _, status := range []job.Status{job.StatusQueued, job.StatusRunning} {
		dispatch(&Event{Payload: statusEvent("job-1", status), Destination: server.URL, Supersedable: true})
	}
	dispatch(&Event{Payload: statusEvent("job-1", job.StatusFailed), Destination: server.URL})
	unblock()

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == 2
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	closeDispatcher(t, d)

	if s := d.Stats(); s.Superseded != 2 {
		t.Errorf("Superseded = %d, want 2", s.Superseded)
	}
	if got := metrics.superseded.Load(); got != 2 {
		t.Errorf("superseded metric = %d, want 2", got)
	}
	if got := metrics.delivered.Load(); got != 2 {
		t.Errorf("delivered metric = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[1] != job.EventTypeFailed+" job-1" {
		t.Errorf("delivered = %v, want other then the failed event for job-1", got)
	}
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if len(d.latest) != 0 {
		t.Errorf("latest not cleared: %v", d.latest)
	}
}

func TestMemoryDispatcher_LatestStatusStillDelivered(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(2), nil)
	err := d.Dispatch(&Event{Payload: statusEvent("job-2", job.StatusRunning), Destination: server.URL, Supersedable: true})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return received.Load() == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	closeDispatcher(t, d)
	if s := d.Stats(); s.Superseded != 0 || s.Delivered != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestMemoryDispatcher_RetriesTooManyRequests(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			// Capped at Backoff.Max, so the test stays fast.
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(fastConfig(1), nil)
	if err := d.Dispatch(&Event{Payload: statusEvent("job-3", job.StatusSucceeded), Destination: server.URL}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == 1
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	closeDispatcher(t, d)

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if s := d.Stats(); s.RetriesTotal != 1 || s.Failed != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}
