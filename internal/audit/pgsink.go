package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// PgSink mirrors audit events into PostgreSQL for deployments that
// aggregate several collectives' trails in one place.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PgSink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// ConnectPgSink opens a pool for dsn and ensures the table exists.
func ConnectPgSink(ctx context.Context, dsn string) (*PgSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPgSink(pool)
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure audit table: %w", err)
	}
	return s, nil
}

// EnsureTable creates the audit_events table if it doesn't exist.
func (s *PgSink) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id            TEXT PRIMARY KEY,
			collective_id TEXT NOT NULL,
			type          TEXT NOT NULL,
			actor_id      TEXT NOT NULL,
			actor_type    TEXT NOT NULL,
			timestamp     TIMESTAMPTZ NOT NULL,
			description   TEXT NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}'
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_events_collective ON audit_events(collective_id, timestamp)`)
	return err
}

// Write implements Sink.
func (s *PgSink) Write(ctx context.Context, e models.AuditEvent) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, collective_id, type, actor_id, actor_type, timestamp, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.CollectiveID, e.Type, e.ActorID, string(e.ActorType), e.Timestamp, e.Description, string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PgSink) Close() {
	s.pool.Close()
}
