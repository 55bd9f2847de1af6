// Package batch collects the cache mutations caused by one group of events
// and writes them in a single transaction.
package batch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/store"
)

// Builder accumulates what must be loaded before events are applied.
type Builder struct {
	channels map[string]struct{}
	messages map[string]struct{}
	users    map[string]models.User
	remove   map[string]struct{}
}

func NewBuilder() *Builder {
	return &Builder{
		channels: make(map[string]struct{}),
		messages: make(map[string]struct{}),
		users:    make(map[string]models.User),
		remove:   make(map[string]struct{}),
	}
}

func (b *Builder) AddToFetchChannels(cids ...string) {
	for _, cid := range cids {
		if cid != "" {
			b.channels[cid] = struct{}{}
		}
	}
}

func (b *Builder) AddToFetchMessages(ids ...string) {
	for _, id := range ids {
		if id != "" {
			b.messages[id] = struct{}{}
		}
	}
}

// AddUsers registers users embedded in events. They are persisted by Build.
func (b *Builder) AddUsers(users ...models.User) {
	for _, u := range users {
		if u.ID != "" {
			b.users[u.ID] = u
		}
	}
}

func (b *Builder) AddToRemoveChannels(cids ...string) {
	for _, cid := range cids {
		if cid != "" {
			b.remove[cid] = struct{}{}
		}
	}
}

// Build persists the collected users and loads every requested channel and
// message that exists in the cache. Cache misses are not errors. me may be
// nil before the first connection.
func (b *Builder) Build(ctx context.Context, db *store.DB, me *models.User, logger *zap.Logger) (*EventBatch, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(b.users) > 0 {
		users := slices.Collect(maps.Values(b.users))
		if err := db.InsertUsers(ctx, users); err != nil {
			return nil, fmt.Errorf("insert users: %w", err)
		}
	}

	var (
		channels []*models.Channel
		messages []*models.Message
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		channels, err = db.SelectChannels(gctx, slices.Collect(maps.Keys(b.channels)))
		if err != nil {
			return fmt.Errorf("select channels: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		messages, err = db.SelectMessages(gctx, slices.Collect(maps.Keys(b.messages)))
		if err != nil {
			return fmt.Errorf("select messages: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := &EventBatch{
		ID:       uuid.NewString(),
		db:       db,
		me:       me,
		logger:   logger,
		now:      time.Now,
		channels: make(map[string]*models.Channel, len(channels)),
		messages: make(map[string]*models.Message, len(messages)),
		users:    make(map[string]models.User),
		remove:   maps.Clone(b.remove),
		counted:  make(map[string]struct{}),
	}
	for _, ch := range channels {
		batch.channels[ch.CID] = ch
	}
	for _, m := range messages {
		batch.messages[m.ID] = m
	}
	return batch, nil
}
