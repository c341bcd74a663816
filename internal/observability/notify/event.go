// Package notify defines the payload and sink contract for job failure notifications.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload is what a sink receives when a translation job exhausts its attempts.
type JobFailurePayload struct {
	JobID       string
	TaskType    string
	SourceURL   string
	Stage       string
	Attempt     int
	MaxAttempts int
	Error       string
	ErrorClass  string
	Severity    string
	OccurredAt  time.Time
	Metadata    map[string]string
}

// Sink describes a destination capable of consuming job failure notifications.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

// SendJobFailure implements the Sink interface.
func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
