package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthStatus reports database health and pool statistics.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	TotalConns   int32  `json:"total_conns"`
	AcquiredConn int32  `json:"acquired_conns"`
	IdleConns    int32  `json:"idle_conns"`
	MaxConns     int32  `json:"max_conns"`
}

// Health pings the database and returns pool statistics.
func Health(ctx context.Context, pool *pgxpool.Pool) (*HealthStatus, error) {
	start := time.Now()

	if err := pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := pool.Stat()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		TotalConns:   stats.TotalConns(),
		AcquiredConn: stats.AcquiredConns(),
		IdleConns:    stats.IdleConns(),
		MaxConns:     stats.MaxConns(),
	}, nil
}
