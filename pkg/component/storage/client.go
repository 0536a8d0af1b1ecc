package storage

import (
	"context"
	"time"
)

// Client is the base interface that all storage clients must implement.
// It provides connection management, health checking, and graceful shutdown
// so backends (Redis, PostgreSQL, etc.) behave consistently.
type Client interface {
	// Name returns the storage type name for identification purposes,
	// a lowercase identifier like "redis" or "postgres".
	Name() string

	// Ping checks if the connection to the storage backend is alive.
	// It should perform a lightweight operation that does not affect
	// performance. The context can carry timeouts or cancellation.
	Ping(ctx context.Context) error

	// Close closes the connection gracefully, releasing all resources.
	// Close should be idempotent and safe to call multiple times.
	Close() error

	// Health returns a HealthChecker bound to this client instance,
	// for integration with health check endpoints.
	Health() HealthChecker
}

// HealthChecker performs a health check on a storage system without
// direct access to the storage client.
type HealthChecker func() error

// HealthStatus represents the result of a health check operation.
type HealthStatus struct {
	// Name identifies the storage instance being checked.
	// Matches the value returned by Client.Name().
	Name string

	// Healthy indicates whether the storage is functioning properly.
	Healthy bool

	// Latency measures how long the health check took. Useful for
	// detecting degradation even when the backend is technically up.
	Latency time.Duration

	// Error contains the failure details. Nil when Healthy is true.
	Error error
}

// Factory creates storage clients. It encapsulates creation logic and
// allows dependency injection in tests.
type Factory interface {
	// Create creates and initializes a new storage client. The returned
	// client is ready to use (connected and verified).
	Create(ctx context.Context) (Client, error)
}
