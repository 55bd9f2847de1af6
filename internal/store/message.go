package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatkit/internal/models"
)

// InsertMessages upserts messages keyed by id.
func (db *DB) InsertMessages(ctx context.Context, msgs []*models.Message) error {
	return insertMessages(ctx, db.DB, msgs)
}

func (tx *Tx) InsertMessages(ctx context.Context, msgs []*models.Message) error {
	return insertMessages(ctx, tx.tx, msgs)
}

func insertMessages(ctx context.Context, q querier, msgs []*models.Message) error {
	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if m.SyncStatus == "" {
			m.SyncStatus = models.SyncCompleted
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO messages (id, cid, user_id, data, created_at, deleted_at, sync_status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				cid = excluded.cid,
				data = excluded.data,
				created_at = excluded.created_at,
				deleted_at = excluded.deleted_at,
				sync_status = excluded.sync_status,
				updated_at = excluded.updated_at`,
			m.ID, m.CID, m.User.ID, string(data), millis(m.CreatedAtOrLocal()),
			nullMillis(m.DeletedAt), string(m.SyncStatus), now); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// SelectMessage returns a cached message or nil.
func (db *DB) SelectMessage(ctx context.Context, id string) (*models.Message, error) {
	return selectMessage(ctx, db.DB, id)
}

func (tx *Tx) SelectMessage(ctx context.Context, id string) (*models.Message, error) {
	return selectMessage(ctx, tx.tx, id)
}

func selectMessage(ctx context.Context, q querier, id string) (*models.Message, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM messages WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

// SelectMessages returns the cached messages among ids. Misses are skipped.
func (db *DB) SelectMessages(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM messages WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Message](rows)
}

// ListChannelMessages returns the newest messages of a channel, oldest first.
func (db *DB) ListChannelMessages(ctx context.Context, cid string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM (
			SELECT data, created_at FROM messages
			WHERE cid = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`, cid, limit)
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Message](rows)
}

// DeleteChannelMessagesBefore removes messages of cid created before t.
func (db *DB) DeleteChannelMessagesBefore(ctx context.Context, cid string, t time.Time) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE cid = ? AND created_at < ?`, cid, t.UnixMilli())
	if err != nil {
		return fmt.Errorf("delete messages of %s: %w", cid, err)
	}
	return nil
}

// DeleteMessage removes a message from the cache.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// SelectMessagesToRetry returns SYNC_NEEDED messages plus IN_PROGRESS ones
// not written since staleBefore.
func (db *DB) SelectMessagesToRetry(ctx context.Context, staleBefore time.Time) ([]*models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM messages
		WHERE sync_status = ? OR (sync_status = ? AND updated_at < ?)
		ORDER BY created_at ASC`,
		string(models.SyncNeeded), string(models.SyncInProgress), staleBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Message](rows)
}

// SelectMessagesBySyncStatus returns messages whose local write is in the given state.
func (db *DB) SelectMessagesBySyncStatus(ctx context.Context, status models.SyncStatus) ([]*models.Message, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM messages WHERE sync_status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Message](rows)
}
