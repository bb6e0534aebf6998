package notify

import (
	"context"
	"errors"
	"log/slog"

	"vrp-orchestrator/internal/dispatcher"
	"vrp-orchestrator/internal/job"
)

// DefaultSource is the CloudEvent source used when none is configured.
const DefaultSource = "vrp-orchestrator"

// ForwarderConfig configures webhook delivery of job snapshots.
type ForwarderConfig struct {
	URL        string   // webhook destination
	SigningKey string   // HMAC key, empty = unsigned
	Events     []string // event types to forward, empty = all
	Source     string   // CloudEvent source (default: vrp-orchestrator)
}

// Forwarder relays every published snapshot to a webhook as a CloudEvent,
// through the dispatcher's retrying delivery queue.
type Forwarder struct {
	bus        *Bus
	dispatcher dispatcher.Dispatcher
	cfg        ForwarderConfig
	logger     *slog.Logger
}

// NewForwarder creates a forwarder; call Run to start relaying.
func NewForwarder(bus *Bus, d dispatcher.Dispatcher, cfg ForwarderConfig) *Forwarder {
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	return &Forwarder{
		bus:        bus,
		dispatcher: d,
		cfg:        cfg,
		logger:     slog.With("component", "forwarder"),
	}
}

// Run relays snapshots until ctx is done or the bus is closed.
func (f *Forwarder) Run(ctx context.Context) error {
	snapshots, unsubscribe := f.bus.Subscribe(AllJobs)
	defer unsubscribe()

	f.logger.Info("Forwarding job status", "destination", f.cfg.URL, "events", f.cfg.Events)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snapshots:
			if !ok {
				return nil
			}
			f.forward(s)
		}
	}
}

func (f *Forwarder) forward(s job.Snapshot) {
	eventType := job.EventType(s)
	if !job.FilteredEvents(eventType, f.cfg.Events) {
		return
	}
	err := f.dispatcher.Dispatch(&dispatcher.Event{
		Payload:      job.NewStatusEvent(f.cfg.Source, s),
		Destination:  f.cfg.URL,
		SigningKey:   f.cfg.SigningKey,
		Supersedable: eventType == job.EventTypeStatus,
	})
	if err != nil && !errors.Is(err, dispatcher.ErrBufferFull) {
		// Buffer-full drops are already logged by the dispatcher.
		f.logger.Warn("Status event not dispatched", "jobId", s.JobID, "type", eventType, "error", err)
	}
}
