package job

import (
	"slices"

	"vrp-orchestrator/pkg/cloudevent"
)

// Event types for job status callbacks
const (
	EventTypeStatus    = "vrp.job.status"
	EventTypeSucceeded = "vrp.job.succeeded"
	EventTypeFailed    = "vrp.job.failed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventType returns the callback event type for a snapshot: terminal
// snapshots get their own type so receivers can subscribe to outcomes only.
func EventType(s Snapshot) string {
	switch s.Status {
	case StatusSucceeded:
		return EventTypeSucceeded
	case StatusFailed:
		return EventTypeFailed
	default:
		return EventTypeStatus
	}
}

// NewStatusEvent builds the CloudEvent announcing a snapshot.
func NewStatusEvent(source string, s Snapshot) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":     s.JobID,
		"ownerId":   s.OwnerID,
		"status":    string(s.Status),
		"progress":  s.Progress,
		"attempts":  s.Attempts,
		"updatedAt": s.UpdatedAt,
	}
	if s.ExternalID != "" {
		data["externalId"] = s.ExternalID
	}
	if s.LastError != "" {
		data["error"] = s.LastError
	}
	return cloudevent.New(EventType(s), source, s.JobID, "", data)
}
