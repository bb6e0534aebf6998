// Package notify delivers job snapshots to observers without ever blocking
// the publisher.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"vrp-orchestrator/internal/job"
)

// AllJobs subscribes to snapshots of every job.
const AllJobs = ""

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
const DefaultBufferSize = 64

// maxDeliverAttempts bounds the drop-oldest loop when publishers race for
// the same full buffer.
const maxDeliverAttempts = 4

// MetricsRecorder is an optional interface for recording notifier metrics.
type MetricsRecorder interface {
	RecordNotifierDropped(ctx context.Context)
	RecordNotifierSubscribers(ctx context.Context, delta int64)
}

type subscriber struct {
	jobID string
	ch    chan job.Snapshot
}

// Bus is an in-process publish/subscribe hub for job snapshots. Each
// subscriber owns a bounded buffer; when it is full the oldest buffered
// snapshot is discarded to make room.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{} // keyed by job id, AllJobs for everything
	closed  bool
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewBus creates a bus whose subscribers buffer up to bufferSize snapshots.
func NewBus(bufferSize int, metrics MetricsRecorder) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:    make(map[string]map[*subscriber]struct{}),
		buffer:  bufferSize,
		logger:  slog.With("component", "notify"),
		metrics: metrics,
	}
}

// Subscribe returns a channel receiving snapshots for jobID (AllJobs for
// every job) and a func that unsubscribes and closes the channel.
func (b *Bus) Subscribe(jobID string) (<-chan job.Snapshot, func()) {
	sub := &subscriber{jobID: jobID, ch: make(chan job.Snapshot, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordNotifierSubscribers(context.Background(), 1)
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(sub) })
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.jobID)
	}
	close(sub.ch)
	if b.metrics != nil {
		b.metrics.RecordNotifierSubscribers(context.Background(), -1)
	}
}

// Publish delivers s to the job's subscribers and to AllJobs subscribers.
// It never blocks.
func (b *Bus) Publish(s job.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[s.JobID] {
		b.deliver(sub, s)
	}
	if s.JobID != AllJobs {
		for sub := range b.subs[AllJobs] {
			b.deliver(sub, s)
		}
	}
}

// deliver sends s, evicting the oldest buffered snapshot while the buffer
// is full. Called with the read lock held, so the channel stays open.
func (b *Bus) deliver(sub *subscriber, s job.Snapshot) {
	for range maxDeliverAttempts {
		select {
		case sub.ch <- s:
			return
		default:
		}

		select {
		case old := <-sub.ch:
			b.drop(old.JobID)
		default:
		}
	}
	b.drop(s.JobID)
}

func (b *Bus) drop(jobID string) {
	b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.RecordNotifierDropped(context.Background())
	}
	b.logger.Debug("Subscriber buffer full, dropped oldest snapshot", "jobId", jobID)
}

// Dropped returns the number of snapshots discarded so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current number of subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Close unsubscribes everyone, closing their channels. Later subscriptions
// receive an already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			close(sub.ch)
			if b.metrics != nil {
				b.metrics.RecordNotifierSubscribers(context.Background(), -1)
			}
		}
	}
	b.subs = make(map[string]map[*subscriber]struct{})
}

var _ job.Publisher = (*Bus)(nil)
