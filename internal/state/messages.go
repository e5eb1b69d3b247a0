package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

const messageColumns = `id, collective_id, from_id, to_id, priority, type, status, content, metadata,
	reply_to_id, thread_id, task_id, retry_count, next_attempt_at, expires_at, delivered_at, read_at,
	archived, last_error, created_at`

// MessageQuery filters a message search. Zero values match everything.
type MessageQuery struct {
	// Text is matched against message content with full-text search.
	Text            string
	Types           []models.MessageType
	Priorities      []models.Priority
	Statuses        []models.MessageStatus
	FromID          string
	ToID            string
	TaskID          string
	Since           time.Time
	Until           time.Time
	IncludeArchived bool
	Limit           int
}

// InsertMessage stores a new message.
func (db *DB) InsertMessage(ctx context.Context, m *models.Message) error {
	meta, err := encodeMap(m.Metadata)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`, priority_rank)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.CollectiveID, m.FromID, m.ToID, string(m.Priority), string(m.Type), string(m.Status),
		m.Content, meta, m.ReplyToID, m.ThreadID, m.TaskID, m.RetryCount, unixNano(m.NextAttemptAt),
		nullableTime(m.ExpiresAt), nullableTime(m.DeliveredAt), nullableTime(m.ReadAt),
		boolInt(m.Archived), m.LastError, unixNano(m.CreatedAt), m.Priority.Rank())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpdateMessage writes back the mutable delivery fields of a message.
func (db *DB) UpdateMessage(ctx context.Context, m *models.Message) error {
	meta, err := encodeMap(m.Metadata)
	if err != nil {
		return err
	}
	res, err := db.Exec(ctx, `
		UPDATE messages SET status = ?, metadata = ?, retry_count = ?, next_attempt_at = ?,
			expires_at = ?, delivered_at = ?, read_at = ?, archived = ?, last_error = ?
		WHERE id = ?
	`, string(m.Status), meta, m.RetryCount, unixNano(m.NextAttemptAt), nullableTime(m.ExpiresAt),
		nullableTime(m.DeliveredAt), nullableTime(m.ReadAt), boolInt(m.Archived), m.LastError, m.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return requireAffected(res, "message", m.ID)
}

// ListInbox returns pending messages for a recipient that are due at now,
// ordered by priority and then oldest first.
func (db *DB) ListInbox(ctx context.Context, collectiveID, agentID string, now time.Time, limit int) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE collective_id = ? AND to_id = ? AND status = ? AND archived = 0 AND next_attempt_at <= ?
		ORDER BY priority_rank, created_at, seq`
	args := []any{collectiveID, agentID, string(models.MessagePending), unixNano(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListPendingMessages returns every pending, unarchived message in a collective.
func (db *DB) ListPendingMessages(ctx context.Context, collectiveID string) ([]models.Message, error) {
	rows, err := db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE collective_id = ? AND status = ? AND archived = 0
		ORDER BY priority_rank, created_at, seq
	`, collectiveID, string(models.MessagePending))
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListThread returns every message in a thread, oldest first.
func (db *DB) ListThread(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE thread_id = ? OR id = ?
		ORDER BY created_at, seq
	`, threadID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SearchMessages finds messages matching the query, newest first.
func (db *DB) SearchMessages(ctx context.Context, collectiveID string, q MessageQuery) ([]models.Message, error) {
	var where []string
	var args []any

	if text := ftsQuery(q.Text); text != "" {
		where = append(where, "m.seq IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, text)
	}

	where = append(where, "m.collective_id = ?")
	args = append(args, collectiveID)

	if !q.IncludeArchived {
		where = append(where, "m.archived = 0")
	}
	if len(q.Types) > 0 {
		where = append(where, "m.type IN ("+placeholders(len(q.Types))+")")
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Priorities) > 0 {
		where = append(where, "m.priority IN ("+placeholders(len(q.Priorities))+")")
		for _, p := range q.Priorities {
			args = append(args, string(p))
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, "m.status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if q.FromID != "" {
		where = append(where, "m.from_id = ?")
		args = append(args, q.FromID)
	}
	if q.ToID != "" {
		where = append(where, "m.to_id = ?")
		args = append(args, q.ToID)
	}
	if q.TaskID != "" {
		where = append(where, "m.task_id = ?")
		args = append(args, q.TaskID)
	}
	if !q.Since.IsZero() {
		where = append(where, "m.created_at >= ?")
		args = append(args, unixNano(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "m.created_at <= ?")
		args = append(args, unixNano(q.Until))
	}

	cols := "m." + strings.Join(strings.Fields(strings.ReplaceAll(messageColumns, ",", " ")), ", m.")
	query := "SELECT " + cols + " FROM messages m WHERE " + strings.Join(where, " AND ") +
		" ORDER BY m.created_at DESC, m.seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ArchiveMessages flags messages created before the cutoff as archived.
func (db *DB) ArchiveMessages(ctx context.Context, collectiveID string, before time.Time) (int64, error) {
	res, err := db.Exec(ctx, `
		UPDATE messages SET archived = 1
		WHERE collective_id = ? AND archived = 0 AND created_at < ?
	`, collectiveID, unixNano(before))
	if err != nil {
		return 0, fmt.Errorf("archive messages: %w", err)
	}
	return res.RowsAffected()
}

// PurgeArchivedMessages deletes archived messages.
func (db *DB) PurgeArchivedMessages(ctx context.Context, collectiveID string) (int64, error) {
	res, err := db.Exec(ctx, `
		DELETE FROM messages WHERE collective_id = ? AND archived = 1
	`, collectiveID)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	return res.RowsAffected()
}

// ftsQuery turns free text into an FTS5 query of quoted terms so that
// punctuation in user input is never parsed as query syntax.
func ftsQuery(text string) string {
	var terms []string
	for _, term := range strings.Fields(text) {
		term = strings.ReplaceAll(term, `"`, `""`)
		terms = append(terms, `"`+term+`"`)
	}
	return strings.Join(terms, " ")
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(s rowScanner) (*models.Message, error) {
	var m models.Message
	var priority, typ, status, meta string
	var nextAttempt, createdAt int64
	var archived int
	var expiresAt, deliveredAt, readAt sql.NullInt64
	err := s.Scan(&m.ID, &m.CollectiveID, &m.FromID, &m.ToID, &priority, &typ, &status, &m.Content,
		&meta, &m.ReplyToID, &m.ThreadID, &m.TaskID, &m.RetryCount, &nextAttempt, &expiresAt,
		&deliveredAt, &readAt, &archived, &m.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	m.Priority = models.Priority(priority)
	m.Type = models.MessageType(typ)
	m.Status = models.MessageStatus(status)
	m.Metadata = decodeMap(meta)
	m.NextAttemptAt = fromUnixNano(nextAttempt)
	m.ExpiresAt = parseNullableTime(expiresAt)
	m.DeliveredAt = parseNullableTime(deliveredAt)
	m.ReadAt = parseNullableTime(readAt)
	m.Archived = archived != 0
	m.CreatedAt = fromUnixNano(createdAt)
	return &m, nil
}
