package sync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
)

const checkpointLastSyncedAt = "last_synced_at"

// Reconciler manages sync checkpoints and replays missed events after a
// reconnection.
type Reconciler struct {
	db      *store.DB
	fetcher EventFetcher
	logger  *zap.Logger
}

// EventFetcher loads the events a set of channels received since a point in time.
type EventFetcher interface {
	SyncEvents(ctx context.Context, cids []string, since time.Time) ([]events.Event, error)
}

// NewReconciler creates a new reconciler. fetcher may be nil, in which case
// no catch-up is attempted.
func NewReconciler(db *store.DB, fetcher EventFetcher, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, fetcher: fetcher, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync checkpoint value. Missing keys yield "".
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// LastSyncedAt returns the newest event time that was persisted, or the zero time.
func (r *Reconciler) LastSyncedAt(ctx context.Context) (time.Time, error) {
	v, err := r.GetCheckpoint(ctx, checkpointLastSyncedAt)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// Advance moves the last-synced checkpoint forward. Older times are ignored.
func (r *Reconciler) Advance(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	last, err := r.LastSyncedAt(ctx)
	if err != nil {
		return err
	}
	if !t.After(last) {
		return nil
	}
	return r.UpdateCheckpoint(ctx, checkpointLastSyncedAt, t.UTC().Format(time.RFC3339Nano))
}

// Run replays missed events through enqueue each time the socket reconnects.
// It blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context, b *bus.Bus, enqueue func(context.Context, BatchEvent) error) {
	if r.fetcher == nil {
		return
	}
	ch, unsub := b.Subscribe(bus.KindSocketStateChanged, 16)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StateChange)
			if !ok || change.To.Kind != status.KindConnected {
				continue
			}
			if err := r.catchUp(ctx, enqueue); err != nil {
				r.logger.Warn("catch-up after reconnect failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) catchUp(ctx context.Context, enqueue func(context.Context, BatchEvent) error) error {
	since, err := r.LastSyncedAt(ctx)
	if err != nil {
		return err
	}
	if since.IsZero() {
		return nil
	}
	channels, err := r.db.ListChannels(ctx, 300)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	cids := make([]string, len(channels))
	for i, ch := range channels {
		cids[i] = ch.CID
	}
	evs, err := r.fetcher.SyncEvents(ctx, cids, since)
	if err != nil {
		return err
	}
	r.logger.Info("replaying missed events", zap.Int("events", len(evs)), zap.Time("since", since))
	if len(evs) == 0 {
		return nil
	}
	return enqueue(ctx, NewBatchEvent(evs, true))
}
