package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/job"
)

// ErrPoolClosed is returned by Enqueue after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Runner drives one job to completion.
type Runner interface {
	Drive(ctx context.Context, id string) error
}

// QueueRecorder is an optional interface for recording queue depth.
type QueueRecorder interface {
	RecordQueueSize(ctx context.Context, size int64)
}

// Pool is the execution substrate for drives: a bounded queue of job ids
// consumed by a fixed set of worker goroutines. A job id is tracked from
// Enqueue until its drive returns, so it is never queued twice.
type Pool struct {
	queue   chan string
	runner  Runner
	store   job.Store
	config  PoolConfig
	logger  *slog.Logger
	metrics QueueRecorder

	mu      sync.Mutex
	pending map[string]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	started  atomic.Bool
	closed   atomic.Bool

	drives atomic.Int64
	errors atomic.Int64
}

// NewPool creates a pool. store is used by Recover to find stranded jobs.
func NewPool(cfg PoolConfig, runner Runner, store job.Store, metrics QueueRecorder) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    make(chan string, cfg.QueueSize),
		runner:   runner,
		store:    store,
		config:   cfg,
		logger:   slog.With("component", "pool"),
		metrics:  metrics,
		pending:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}
}

// Start launches the workers and, if configured, the periodic sweep.
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}
	p.wg.Add(p.config.Workers)
	for range p.config.Workers {
		go p.worker()
	}
	if p.config.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweep()
	}
	p.logger.Info("Worker pool started", "workers", p.config.Workers, "queue", p.config.QueueSize)
}

// Enqueue schedules a job without blocking. Returns job.ErrQueueFull when
// the queue has no room. Enqueueing a job that is already pending is a no-op.
func (p *Pool) Enqueue(id string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; ok {
		return nil
	}
	select {
	case p.queue <- id:
		p.pending[id] = struct{}{}
	default:
		p.logger.Warn("Job not scheduled, queue full", "jobId", id)
		return job.ErrQueueFull
	}
	if p.metrics != nil {
		p.metrics.RecordQueueSize(context.Background(), int64(len(p.queue)))
	}
	return nil
}

// Recover enqueues non-terminal jobs in the store that are not already
// pending, oldest first and at most job.MaxListLimit per status, so a large
// backlog drains in submission order across sweeps. Returns how many jobs
// were scheduled.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	scheduled := 0
	for _, status := range []job.Status{job.StatusRunning, job.StatusQueued} {
		jobs, err := p.store.List(ctx, job.ListOptions{Status: status, Limit: job.MaxListLimit, OldestFirst: true})
		if err != nil {
			return scheduled, err
		}
		for _, j := range jobs {
			id := j.ID
			if p.isPending(id) {
				continue
			}
			if err := p.Enqueue(id); err != nil {
				return scheduled, err
			}
			scheduled++
		}
	}
	if scheduled > 0 {
		p.logger.Info("Recovered non-terminal jobs", "count", scheduled)
	}
	return scheduled, nil
}

// Stats returns pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return PoolStats{
		QueueDepth: len(p.queue),
		Pending:    pending,
		Drives:     p.drives.Load(),
		Errors:     p.errors.Load(),
	}
}

// PoolStats holds pool statistics.
type PoolStats struct {
	QueueDepth int   // ids waiting for a worker
	Pending    int   // queued or being driven
	Drives     int64 // drives finished
	Errors     int64 // drives that returned an error
}

// Close stops accepting work and waits for running drives to finish.
// Queued ids are left for recovery. When ctx expires, running drives are
// cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("Worker pool shutting down", "queued", len(p.queue))
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool shutdown complete", "drives", p.drives.Load())
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("Worker pool shutdown timed out, drives cancelled")
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		// Shutdown wins over queued work.
		select {
		case <-p.shutdown:
			return
		default:
		}

		select {
		case <-p.shutdown:
			return
		case id := <-p.queue:
			p.run(id)
		}
	}
}

func (p *Pool) run(id string) {
	defer p.done(id)

	err := p.runner.Drive(p.ctx, id)
	p.drives.Add(1)
	if err == nil {
		return
	}
	p.errors.Add(1)
	if errors.Is(err, context.Canceled) && p.ctx.Err() != nil {
		p.logger.Info("Drive cancelled by shutdown", "jobId", id)
		return
	}
	p.logger.Error("Job drive failed", "jobId", id, "kind", apperrors.Kind(err), "error", err)
}

func (p *Pool) done(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

func (p *Pool) isPending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

func (p *Pool) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
			if _, err := p.Recover(p.ctx); err != nil && !errors.Is(err, job.ErrQueueFull) {
				p.logger.Warn("Sweep failed", "error", err)
			}
		}
	}
}

var _ job.Enqueuer = (*Pool)(nil)
