package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskType_UnmarshalText(t *testing.T) {
	var tt TaskType
	require.NoError(t, tt.UnmarshalText([]byte(" Translate_Video ")))
	assert.Equal(t, TaskTypeTranslateVideo, tt)

	err := tt.UnmarshalText([]byte("browser"))
	assert.Error(t, err)
}

func TestCreateTaskRequest_Validate(t *testing.T) {
	payload := json.RawMessage(`{"source_url":"https://example.com/v"}`)

	tests := []struct {
		name    string
		req     CreateTaskRequest
		wantErr string
	}{
		{
			name: "valid",
			req:  CreateTaskRequest{ID: "abc123", Type: TaskTypeTranslateVideo, Payload: payload, MaxRetries: 3},
		},
		{
			name:    "missing id",
			req:     CreateTaskRequest{Type: TaskTypeTranslateVideo, Payload: payload},
			wantErr: "task id is required",
		},
		{
			name:    "invalid type",
			req:     CreateTaskRequest{ID: "abc123", Type: "rules", Payload: payload},
			wantErr: "invalid task type",
		},
		{
			name:    "empty payload",
			req:     CreateTaskRequest{ID: "abc123", Type: TaskTypeTranslateVideo},
			wantErr: "payload is required",
		},
		{
			name:    "priority out of range",
			req:     CreateTaskRequest{ID: "abc123", Type: TaskTypeTranslateVideo, Payload: payload, Priority: 101},
			wantErr: "priority",
		},
		{
			name:    "negative retries",
			req:     CreateTaskRequest{ID: "abc123", Type: TaskTypeTranslateVideo, Payload: payload, MaxRetries: -1},
			wantErr: "max retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTask_Attempt(t *testing.T) {
	task := &Task{RetryCount: 0}
	assert.Equal(t, 1, task.Attempt())
	task.RetryCount = 2
	assert.Equal(t, 3, task.Attempt())
}
