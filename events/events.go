// Package events publishes document lifecycle events to downstream
// consumers. Events are emitted when a job reaches a terminal state so
// integrations can react without polling the progress endpoint.
package events

import "time"

// Event kinds emitted by the pipeline.
const (
	DocumentCompleted = "document.completed"
	DocumentFailed    = "document.failed"
)

// DocumentEvent is the payload published on job completion or failure.
type DocumentEvent struct {
	Kind         string    `json:"kind"`
	TenantID     uint      `json:"tenantID"`
	DocumentID   uint      `json:"documentID"`
	DocumentUUID string    `json:"documentUUID"`
	JobID        uint      `json:"jobID"`
	CampaignID   uint      `json:"campaignID"`
	FailureKind  string    `json:"failureKind,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Publisher defines the interface for publishing document events.
// This interface allows for easy mocking and testing of event publishing.
type Publisher interface {
	// Publish publishes a document event.
	// Returns an error if message serialization or publishing fails.
	Publish(event DocumentEvent) error

	// Close closes the connection to the event broker.
	Close() error
}

// NoopPublisher discards events. Used when no broker is configured.
type NoopPublisher struct{}

// Publish discards the event.
func (NoopPublisher) Publish(DocumentEvent) error { return nil }

// Close does nothing.
func (NoopPublisher) Close() error { return nil }
