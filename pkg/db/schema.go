package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Amounts are BIGINT: the repository rejects values above math.MaxInt64.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS escrow_projects (
		id               BIGINT PRIMARY KEY,
		founder          TEXT NOT NULL,
		dao              TEXT NOT NULL,
		oracle           TEXT NOT NULL,
		token_contract   TEXT NOT NULL,
		milestone_count  INT NOT NULL CHECK (milestone_count BETWEEN 0 AND 20),
		next_milestone   INT NOT NULL DEFAULT 0 CHECK (next_milestone BETWEEN 0 AND milestone_count),
		total_funding    BIGINT NOT NULL CHECK (total_funding >= 0),
		released_funding BIGINT NOT NULL DEFAULT 0 CHECK (released_funding BETWEEN 0 AND total_funding),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   BIGINT,
		routing_key    TEXT NOT NULL,
		payload        JSONB NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		retry_count    INT NOT NULL DEFAULT 0,
		next_retry_at  TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
		ON outbox_events (created_at) WHERE status = 'pending'`,
}

// EnsureSchema creates the escrow tables when they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Info("Database schema ready")
	return nil
}
