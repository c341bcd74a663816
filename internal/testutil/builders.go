package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/target/dubbing-api/internal/domain/model"
)

// TaskRequestBuilder provides a fluent interface for building test task requests.
type TaskRequestBuilder struct {
	request *model.CreateTaskRequest
}

// NewTaskRequest creates a builder for a translate_video task with a fresh id.
func NewTaskRequest() *TaskRequestBuilder {
	return &TaskRequestBuilder{
		request: &model.CreateTaskRequest{
			ID:      uuid.NewString(),
			Type:    model.TaskTypeTranslateVideo,
			Payload: json.RawMessage(`{"source_url":"https://example.com/watch?v=abc"}`),
		},
	}
}

// WithID sets the task id.
func (b *TaskRequestBuilder) WithID(id string) *TaskRequestBuilder {
	b.request.ID = id
	return b
}

// WithPriority sets the task priority.
func (b *TaskRequestBuilder) WithPriority(priority int) *TaskRequestBuilder {
	b.request.Priority = priority
	return b
}

// WithSourceURL sets the payload to a translate_video payload for url.
func (b *TaskRequestBuilder) WithSourceURL(url string) *TaskRequestBuilder {
	raw, _ := json.Marshal(model.TranslateVideoPayload{SourceURL: url})
	b.request.Payload = raw
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *TaskRequestBuilder) WithScheduledAt(scheduledAt time.Time) *TaskRequestBuilder {
	b.request.ScheduledAt = &scheduledAt
	return b
}

// WithMaxRetries sets the attempt cap.
func (b *TaskRequestBuilder) WithMaxRetries(maxRetries int) *TaskRequestBuilder {
	b.request.MaxRetries = maxRetries
	return b
}

// Build returns the constructed request.
func (b *TaskRequestBuilder) Build() *model.CreateTaskRequest {
	return b.request
}
