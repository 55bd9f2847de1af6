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

// InsertReaction upserts a reaction keyed by message, user and type.
func (db *DB) InsertReaction(ctx context.Context, r *models.Reaction) error {
	return insertReaction(ctx, db.DB, r)
}

func (tx *Tx) InsertReaction(ctx context.Context, r *models.Reaction) error {
	return insertReaction(ctx, tx.tx, r)
}

func insertReaction(ctx context.Context, q querier, r *models.Reaction) error {
	if r.SyncStatus == "" {
		r.SyncStatus = models.SyncCompleted
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, type, data, deleted_at, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, type) DO UPDATE SET
			data = excluded.data,
			deleted_at = excluded.deleted_at,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at`,
		r.MessageID, r.UserID, r.Type, string(data), nullMillis(r.DeletedAt), string(r.SyncStatus), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// SelectReaction returns a cached reaction or nil.
func (db *DB) SelectReaction(ctx context.Context, messageID, userID, typ string) (*models.Reaction, error) {
	return selectReaction(ctx, db.DB, messageID, userID, typ)
}

func (tx *Tx) SelectReaction(ctx context.Context, messageID, userID, typ string) (*models.Reaction, error) {
	return selectReaction(ctx, tx.tx, messageID, userID, typ)
}

func selectReaction(ctx context.Context, q querier, messageID, userID, typ string) (*models.Reaction, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM reactions WHERE message_id = ? AND user_id = ? AND type = ?`,
		messageID, userID, typ).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r models.Reaction
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode reaction: %w", err)
	}
	return &r, nil
}

// SelectReactionsToRetry returns SYNC_NEEDED reactions plus IN_PROGRESS ones
// not written since staleBefore.
func (db *DB) SelectReactionsToRetry(ctx context.Context, staleBefore time.Time) ([]*models.Reaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM reactions
		WHERE sync_status = ? OR (sync_status = ? AND updated_at < ?)
		ORDER BY updated_at ASC`,
		string(models.SyncNeeded), string(models.SyncInProgress), staleBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Reaction](rows)
}

// SelectReactionsBySyncStatus returns reactions whose local write is in the given state.
func (db *DB) SelectReactionsBySyncStatus(ctx context.Context, status models.SyncStatus) ([]*models.Reaction, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM reactions WHERE sync_status = ? ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Reaction](rows)
}
