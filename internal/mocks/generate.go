// Package mocks provides mock implementations for testing the job queue.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for the ports in internal/core.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	sink := mocks.NewMockEventSink(ctrl)
//	sink.EXPECT().JobStateChanged(gomock.Any(), gomock.Any()).Return(nil)
package mocks

// Generate mock for EventSink interface from internal/core package.
// This creates MockEventSink with methods for all EventSink interface methods:
// JobStateChanged
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=event_sink_mock.go github.com/target/mmk-jobqueue/internal/core EventSink

// Generate mock for JobStore interface from internal/core package.
// This creates MockJobStore with methods for all JobStore interface methods:
// Create, GetByID, GetByKey, FindByRelatedEntity, FindPending, FindDependents, Claim,
// ApplyStateChanges, CreateRetry, Touch, Stats, List
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_store_mock.go github.com/target/mmk-jobqueue/internal/core JobStore
