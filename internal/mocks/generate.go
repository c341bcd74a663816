// Package mocks provides gomock implementations of the internal/core ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	repo := mocks.NewMockTaskRepository(ctrl)
//	repo.EXPECT().Complete(gomock.Any(), "job-1").Return(true, nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=task_repository_mock.go github.com/target/dubbing-api/internal/core TaskRepository

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=execution_lease_mock.go github.com/target/dubbing-api/internal/core ExecutionLease

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=reaper_repository_mock.go github.com/target/dubbing-api/internal/core ReaperRepository
