// Package dispatcher delivers CloudEvents to webhook endpoints
// asynchronously, with buffering, retry and per-host circuit breakers.
package dispatcher

import (
	"context"
	"errors"

	"vrp-orchestrator/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
// Implementations may use in-memory buffering, message queues, etc.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
//
// A Supersedable event is skipped when a newer event with the same payload
// subject was queued after it, so a backlog of progress updates for one job
// collapses to the latest.
type Event struct {
	Payload      *cloudevent.CloudEvent
	Destination  string // webhook URL
	SigningKey   string // HMAC key for signing, empty = no signing
	Signature    string // Pre-computed signature, takes precedence over SigningKey
	Supersedable bool   // may be skipped in favor of a newer event for the same subject
	Requeues     int    // number of times requeued due to circuit open (internal use)

	seq uint64
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	Superseded    int64 // skipped in favor of a newer event for the same subject
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
	OpenHosts     []string
}
