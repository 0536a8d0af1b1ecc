package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthChecker performs health checks against a PostgreSQL client.
type HealthChecker struct {
	client *Client
}

// NewHealthChecker creates a health checker for the given client.
func NewHealthChecker(c *Client) *HealthChecker {
	return &HealthChecker{client: c}
}

// HealthCheck verifies that the database is accessible and responsive.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	if h.client == nil || h.client.db == nil {
		return fmt.Errorf("postgres database connection is nil")
	}

	sqlDB, err := h.client.SqlDB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(checkCtx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}

	stats := sqlDB.Stats()
	if stats.OpenConnections == 0 && stats.MaxOpenConnections > 0 {
		return fmt.Errorf("no open connections available")
	}

	return nil
}

// Stats returns database connection statistics.
func (h *HealthChecker) Stats() (sql.DBStats, error) {
	if h.client == nil || h.client.db == nil {
		return sql.DBStats{}, fmt.Errorf("postgres client is nil")
	}

	sqlDB, err := h.client.SqlDB()
	if err != nil {
		return sql.DBStats{}, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	return sqlDB.Stats(), nil
}
