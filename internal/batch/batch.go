package batch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/store"
)

// EventBatch holds the in-memory view of every entity touched by a group
// of events. It is not safe for concurrent use.
type EventBatch struct {
	ID string

	db     *store.DB
	me     *models.User
	logger *zap.Logger
	now    func() time.Time

	channels map[string]*models.Channel
	messages map[string]*models.Message
	users    map[string]models.User
	remove   map[string]struct{}
	// message ids that already incremented an unread counter in this batch
	counted map[string]struct{}
}

// CurrentUserID returns the connected user's id, or "" when unknown.
func (b *EventBatch) CurrentUserID() string {
	if b.me == nil {
		return ""
	}
	return b.me.ID
}

// GetCurrentChannel returns a copy of the batch's channel, or nil.
func (b *EventBatch) GetCurrentChannel(cid string) *models.Channel {
	return b.channels[cid].Clone()
}

// GetCurrentMessage returns the batch's message, or nil.
func (b *EventBatch) GetCurrentMessage(id string) *models.Message {
	m, ok := b.messages[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// AddChannel stores ch and registers every user it references.
func (b *EventBatch) AddChannel(ch *models.Channel) {
	if ch == nil || ch.CID == "" {
		return
	}
	for _, u := range ch.Users() {
		b.AddUser(u)
	}
	b.channels[ch.CID] = ch
}

// AddMessage stores m and registers its author and reaction users.
func (b *EventBatch) AddMessage(m *models.Message) {
	if m == nil || m.ID == "" {
		return
	}
	b.AddUser(m.User)
	for _, r := range m.LatestReactions {
		if r.User != nil {
			b.AddUser(*r.User)
		}
	}
	b.messages[m.ID] = m
}

// AddMessageData stores m and updates its channel's last-message fields.
// For new messages the current user's unread counter is incremented at most
// once per message id.
func (b *EventBatch) AddMessageData(cid string, m *models.Message, isNew bool) {
	if m == nil {
		return
	}
	if m.CID == "" {
		m.CID = cid
	}
	b.AddMessage(m)
	ch, ok := b.channels[cid]
	if !ok {
		return
	}
	created := m.CreatedAtOrLocal()
	if !m.IsThreadReplyOnly() && !m.Shadowed && !created.Before(ch.LastMessageAt) {
		ch.LastMessageAt = created
		ch.LastMessageID = m.ID
	}
	if isNew {
		b.incrementUnreadIfNeeded(ch, m)
	}
}

func (b *EventBatch) incrementUnreadIfNeeded(ch *models.Channel, m *models.Message) {
	if b.me == nil {
		return
	}
	if _, done := b.counted[m.ID]; done {
		return
	}
	if !b.shouldIncrementUnread(ch, m) {
		return
	}
	if ch.Reads == nil {
		ch.Reads = make(map[string]models.ChannelUserRead)
	}
	read, ok := ch.Reads[b.me.ID]
	if !ok {
		read = models.ChannelUserRead{User: *b.me}
	}
	read.UnreadMessages++
	read.LastMessageSeenAt = m.CreatedAtOrLocal()
	ch.Reads[b.me.ID] = read
	b.counted[m.ID] = struct{}{}
	b.logger.Debug("unread count incremented",
		zap.String("cid", ch.CID),
		zap.String("msg_id", m.ID),
		zap.Int("unread", read.UnreadMessages),
	)
}

func (b *EventBatch) shouldIncrementUnread(ch *models.Channel, m *models.Message) bool {
	if m.User.ID == b.me.ID || m.Silent || m.Shadowed || m.IsThreadReplyOnly() {
		return false
	}
	if b.me.IsChannelMuted(ch.CID, b.now()) {
		return false
	}
	read, ok := ch.Reads[b.me.ID]
	if !ok {
		return true
	}
	seen := read.LastRead
	if read.LastMessageSeenAt.After(seen) {
		seen = read.LastMessageSeenAt
	}
	return m.CreatedAtOrLocal().After(seen)
}

// AddUser stores u, replacing any previous copy.
func (b *EventBatch) AddUser(u models.User) {
	if u.ID == "" {
		return
	}
	b.users[u.ID] = u
}

// RemoveChannel schedules cid for eviction when the batch executes.
func (b *EventBatch) RemoveChannel(cid string) {
	b.remove[cid] = struct{}{}
	delete(b.channels, cid)
}

// Channels returns the channels currently held by the batch.
func (b *EventBatch) Channels() []*models.Channel {
	return slices.Collect(maps.Values(b.channels))
}

// Messages returns the messages currently held by the batch.
func (b *EventBatch) Messages() []*models.Message {
	return slices.Collect(maps.Values(b.messages))
}

// Removed returns the cids scheduled for eviction.
func (b *EventBatch) Removed() []string {
	return slices.Sorted(maps.Keys(b.remove))
}

// Users returns the users that Execute will write.
func (b *EventBatch) Users() []models.User {
	return slices.Collect(maps.Values(b.users))
}

// Execute writes users, channels and messages in one transaction. The
// current user is never written through this path.
func (b *EventBatch) Execute(ctx context.Context) error {
	if b.me != nil {
		delete(b.users, b.me.ID)
	}
	if err := b.enrichCapabilities(ctx); err != nil {
		return err
	}

	users := b.Users()
	channels := b.Channels()
	messages := b.Messages()
	err := b.db.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertUsers(ctx, users); err != nil {
			return err
		}
		if err := tx.InsertChannels(ctx, channels); err != nil {
			return err
		}
		if err := tx.InsertMessages(ctx, messages); err != nil {
			return err
		}
		for cid := range b.remove {
			if err := tx.EvictChannel(ctx, cid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("execute batch %s: %w", b.ID, err)
	}
	b.logger.Debug("batch executed",
		zap.String("batch_id", b.ID),
		zap.Int("users", len(users)),
		zap.Int("channels", len(channels)),
		zap.Int("messages", len(messages)),
		zap.Int("removed", len(b.remove)),
	)
	return nil
}

// enrichCapabilities copies cached capabilities into channels that arrived
// without them.
func (b *EventBatch) enrichCapabilities(ctx context.Context) error {
	var missing []string
	for cid, ch := range b.channels {
		if len(ch.OwnCapabilities) == 0 {
			missing = append(missing, cid)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	cached, err := b.db.SelectChannels(ctx, missing)
	if err != nil {
		return fmt.Errorf("select channels for capabilities: %w", err)
	}
	for _, c := range cached {
		if ch, ok := b.channels[c.CID]; ok && len(c.OwnCapabilities) > 0 {
			ch.OwnCapabilities = c.OwnCapabilities
		}
	}
	return nil
}
