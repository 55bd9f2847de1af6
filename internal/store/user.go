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

// InsertUsers upserts users keyed by id.
func (db *DB) InsertUsers(ctx context.Context, users []models.User) error {
	return insertUsers(ctx, db.DB, users)
}

func (tx *Tx) InsertUsers(ctx context.Context, users []models.User) error {
	return insertUsers(ctx, tx.tx, users)
}

func insertUsers(ctx context.Context, q querier, users []models.User) error {
	now := time.Now().UnixMilli()
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("encode user %s: %w", u.ID, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO users (id, data, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			u.ID, string(data), now); err != nil {
			return fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
	}
	return nil
}

// SelectUsers returns the cached users among ids.
func (db *DB) SelectUsers(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT data FROM users WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	ptrs, err := scanJSON[models.User](rows)
	if err != nil {
		return nil, err
	}
	users := make([]models.User, len(ptrs))
	for i, p := range ptrs {
		users[i] = *p
	}
	return users, nil
}

// InsertCurrentUser stores the connected user, including mutes.
func (db *DB) InsertCurrentUser(ctx context.Context, u models.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode current user: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO own_user (slot, user_id, data, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET user_id = excluded.user_id, data = excluded.data, updated_at = excluded.updated_at`,
		u.ID, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert current user: %w", err)
	}
	return insertUsers(ctx, db.DB, []models.User{u})
}

// SelectCurrentUser returns the connected user or nil if none was stored.
func (db *DB) SelectCurrentUser(ctx context.Context) (*models.User, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM own_user WHERE slot = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("decode current user: %w", err)
	}
	return &u, nil
}
