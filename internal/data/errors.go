package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrTaskIDRequired is returned when an operation needs a task id and none was given.
	ErrTaskIDRequired = errors.New("task id is required")
	// ErrInvalidBatchSize is returned by batch operations called with a non-positive size.
	ErrInvalidBatchSize = errors.New("batch size must be greater than zero")
)
