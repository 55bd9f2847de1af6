package store

import (
	"context"
	"time"
)

// MarkNotified records that a message was surfaced. It returns false when
// the message had already been recorded.
func (db *DB) MarkNotified(ctx context.Context, messageID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notified_messages (message_id, notified_at) VALUES (?, ?)`,
		messageID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
