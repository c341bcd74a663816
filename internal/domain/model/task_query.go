package model

import "time"

// TaskListOptions groups parameters for listing tasks with optional filters (admin view).
type TaskListOptions struct {
	Status       *TaskStatus // Optional filter by status (pending, running, completed, failed)
	Type         *TaskType   // Optional filter by type
	CreatedAfter *time.Time  // Optional lower bound on created_at
	Limit        int         // Pagination limit
	Offset       int         // Pagination offset
}
