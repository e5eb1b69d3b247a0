package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// AuditQuery filters audit trail reads.
type AuditQuery struct {
	Type  string
	Since time.Time
	Limit int
	// Newest returns the most recent events first.
	Newest bool
}

// InsertAuditEvent appends an event to the audit trail.
func (db *DB) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	meta, err := encodeMap(e.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO audit_events (id, collective_id, type, actor_id, actor_type, timestamp, description, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CollectiveID, e.Type, e.ActorID, string(e.ActorType), unixNano(e.Timestamp), e.Description, meta)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns a collective's audit events in the order they were
// recorded, or newest first when q.Newest is set.
func (db *DB) ListAuditEvents(ctx context.Context, collectiveID string, q AuditQuery) ([]models.AuditEvent, error) {
	query := `
		SELECT id, collective_id, type, actor_id, actor_type, timestamp, description, metadata
		FROM audit_events WHERE collective_id = ?`
	args := []any{collectiveID}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	if !q.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, unixNano(q.Since))
	}
	if q.Newest {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var actorType, meta string
		var ts int64
		if err := rows.Scan(&e.ID, &e.CollectiveID, &e.Type, &e.ActorID, &actorType, &ts, &e.Description, &meta); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ActorType = models.ActorType(actorType)
		e.Timestamp = fromUnixNano(ts)
		e.Metadata = decodeMap(meta)
		events = append(events, e)
	}
	return events, rows.Err()
}
