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

// InsertChannels upserts channels keyed by cid.
func (db *DB) InsertChannels(ctx context.Context, channels []*models.Channel) error {
	return insertChannels(ctx, db.DB, channels)
}

func (tx *Tx) InsertChannels(ctx context.Context, channels []*models.Channel) error {
	return insertChannels(ctx, tx.tx, channels)
}

func insertChannels(ctx context.Context, q querier, channels []*models.Channel) error {
	now := time.Now().UnixMilli()
	for _, ch := range channels {
		if ch.SyncStatus == "" {
			ch.SyncStatus = models.SyncCompleted
		}
		data, err := json.Marshal(ch)
		if err != nil {
			return fmt.Errorf("encode channel %s: %w", ch.CID, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO channels (cid, type, id, data, hidden, last_message_at, deleted_at, sync_status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cid) DO UPDATE SET
				data = excluded.data,
				hidden = excluded.hidden,
				last_message_at = excluded.last_message_at,
				deleted_at = excluded.deleted_at,
				sync_status = excluded.sync_status,
				updated_at = excluded.updated_at`,
			ch.CID, ch.Type, ch.ID, string(data), ch.Hidden, millis(ch.LastMessageAt),
			nullMillis(ch.DeletedAt), string(ch.SyncStatus), now); err != nil {
			return fmt.Errorf("upsert channel %s: %w", ch.CID, err)
		}
	}
	return nil
}

// SelectChannel returns a cached channel or nil.
func (db *DB) SelectChannel(ctx context.Context, cid string) (*models.Channel, error) {
	return selectChannel(ctx, db.DB, cid)
}

func (tx *Tx) SelectChannel(ctx context.Context, cid string) (*models.Channel, error) {
	return selectChannel(ctx, tx.tx, cid)
}

func selectChannel(ctx context.Context, q querier, cid string) (*models.Channel, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM channels WHERE cid = ?`, cid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ch models.Channel
	if err := json.Unmarshal([]byte(data), &ch); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", cid, err)
	}
	return &ch, nil
}

// SelectChannels returns the cached channels among cids. Misses are skipped.
func (db *DB) SelectChannels(ctx context.Context, cids []string) ([]*models.Channel, error) {
	if len(cids) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM channels WHERE cid IN (`+placeholders(len(cids))+`)`, stringArgs(cids)...)
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Channel](rows)
}

// ListChannels returns visible, non-deleted channels by recent activity.
func (db *DB) ListChannels(ctx context.Context, limit int) ([]*models.Channel, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM channels
		WHERE hidden = 0 AND deleted_at IS NULL
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Channel](rows)
}

// SetChannelDeletedAt marks a channel deleted without removing it.
func (db *DB) SetChannelDeletedAt(ctx context.Context, cid string, at time.Time) error {
	ch, err := db.SelectChannel(ctx, cid)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}
	ch.DeletedAt = &at
	return insertChannels(ctx, db.DB, []*models.Channel{ch})
}

// EvictChannel removes a channel and its messages from the cache.
func (db *DB) EvictChannel(ctx context.Context, cid string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.EvictChannel(ctx, cid)
	})
}

func (tx *Tx) EvictChannel(ctx context.Context, cid string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM messages WHERE cid = ?`, cid); err != nil {
		return fmt.Errorf("delete messages of %s: %w", cid, err)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM channels WHERE cid = ?`, cid); err != nil {
		return fmt.Errorf("delete channel %s: %w", cid, err)
	}
	return nil
}

// SelectChannelsToRetry returns SYNC_NEEDED channels plus IN_PROGRESS ones
// not written since staleBefore.
func (db *DB) SelectChannelsToRetry(ctx context.Context, staleBefore time.Time) ([]*models.Channel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT data FROM channels
		WHERE sync_status = ? OR (sync_status = ? AND updated_at < ?)
		ORDER BY updated_at ASC`,
		string(models.SyncNeeded), string(models.SyncInProgress), staleBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Channel](rows)
}

// SelectChannelsBySyncStatus returns channels whose local write is in the given state.
func (db *DB) SelectChannelsBySyncStatus(ctx context.Context, status models.SyncStatus) ([]*models.Channel, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM channels WHERE sync_status = ? ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return scanJSON[models.Channel](rows)
}
