package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/target/dubbing-api/internal/domain/model"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err:  &AppError{Code: ErrCodeNotFound, Message: "job not found"},
			want: "job not found",
		},
		{
			name: "error with cause",
			err: &AppError{
				Code:    ErrCodeInternal,
				Message: "enqueue failed",
				Cause:   errors.New("connection reset"),
			},
			want: "enqueue failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
	cause := errors.New("boom")
	err := Wrapf(cause, ErrCodeUnavailable, "redis %s", "ping")
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
	if err.Message != "redis ping" {
		t.Errorf("Message = %q", err.Message)
	}
	if !IsUnavailable(fmt.Errorf("outer: %w", err)) {
		t.Error("IsUnavailable should see through fmt wrapping")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   ErrorCode
		wantStatus int
	}{
		{"job not found", fmt.Errorf("get: %w", model.ErrJobNotFound), ErrCodeNotFound, http.StatusNotFound},
		{"task not found", model.ErrTaskNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"task active", model.ErrTaskActive, ErrCodeConflict, http.StatusConflict},
		{"validation", ValidationField("youtubeUrl", "is required"), ErrCodeValidation, http.StatusBadRequest},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, http.StatusGatewayTimeout},
		{"canceled", context.Canceled, ErrCodeCanceled, 499},
		{"unknown", errors.New("disk full"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Resolve().Code = %q, want %q", got.Code, tt.wantCode)
			}
			if status := HTTPStatus(got.Code); status != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.wantStatus)
			}
			if !errors.Is(got, tt.err) {
				t.Error("resolved error should unwrap to the original")
			}
		})
	}

	if Resolve(nil) != nil {
		t.Error("Resolve(nil) should return nil")
	}
}

func TestGetCodeAndField(t *testing.T) {
	err := fmt.Errorf("submit: %w", ValidationField("sourceUrl", "must be http or https"))
	if GetCode(err) != ErrCodeValidation {
		t.Errorf("GetCode() = %q", GetCode(err))
	}
	if GetField(err) != "sourceUrl" {
		t.Errorf("GetField() = %q", GetField(err))
	}
	if GetCode(errors.New("plain")) != "" || GetField(errors.New("plain")) != "" {
		t.Error("plain errors carry no code or field")
	}
	if !IsNotFound(NotFound("gone")) || !IsConflict(Conflict("busy")) || !IsValidation(Validation("bad")) {
		t.Error("constructor codes do not match their predicates")
	}
	if IsNotFound(Internal("oops")) {
		t.Error("internal error reported as not found")
	}
}
