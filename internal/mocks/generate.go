// Package mocks provides mock implementations of the repository ports for testing.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Create, GetByID, ReserveNext, WaitForNotification, Heartbeat, UpdateProgress, Complete, Fail, Cancel, QueueStatus
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_repository_mock.go github.com/target/etl-loader/internal/core JobRepository

// FailExpiredLeases, DeleteTerminalBefore, CancelAllPending
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_maintenance_repository_mock.go github.com/target/etl-loader/internal/core JobMaintenanceRepository

// GetActive, Publish
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=config_version_repository_mock.go github.com/target/etl-loader/internal/core ConfigVersionRepository

// InsertEvent
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=outbox_repository_mock.go github.com/target/etl-loader/internal/core OutboxRepository
