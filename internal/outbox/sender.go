package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
	"github.com/matheus3301/chatkit/internal/syncstatus"
)

// API is the server side of every local write.
type API interface {
	SendMessage(ctx context.Context, cid string, m *models.Message) (*models.Message, error)
	SendReaction(ctx context.Context, r *models.Reaction) (*models.Message, error)
	DeleteReaction(ctx context.Context, messageID, typ string) (*models.Message, error)
	CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error)
}

// EntityStatus is the payload of entity.sync_status events.
type EntityStatus struct {
	Entity string
	ID     string
	Status models.SyncStatus
}

// DefaultStaleAfter is how long a write may stay IN_PROGRESS before a retry
// assumes the process that started it is gone.
const DefaultStaleAfter = time.Minute

// Sender performs optimistic writes and retries the ones that could not
// reach the server once the socket is connected again.
type Sender struct {
	db         *store.DB
	lifecycle  *syncstatus.Lifecycle
	api        API
	bus        *bus.Bus
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, lifecycle *syncstatus.Lifecycle, api API, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:         db,
		lifecycle:  lifecycle,
		api:        api,
		bus:        b,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func (s *Sender) currentUser(ctx context.Context) (*models.User, error) {
	me, err := s.db.SelectCurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("select current user: %w", err)
	}
	return me, nil
}

// Send writes a pending message to cid and, when connected, sends it.
func (s *Sender) Send(ctx context.Context, cid, text string) (*models.Message, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	m, err := s.lifecycle.BeforeSendMessage(ctx, me, cid, &models.Message{Text: text})
	if err != nil {
		return nil, err
	}
	s.publish("message", m.ID, m.SyncStatus)
	if m.SyncStatus == models.SyncNeeded {
		return m, nil
	}
	m.SyncStatus, err = s.sendMessage(ctx, m)
	return m, err
}

func (s *Sender) sendMessage(ctx context.Context, m *models.Message) (models.SyncStatus, error) {
	sent, sendErr := s.api.SendMessage(ctx, m.CID, m)
	st, err := s.lifecycle.AfterSendMessage(ctx, m.ID, sent, sendErr)
	if err != nil {
		return "", err
	}
	s.publish("message", m.ID, st)
	return st, nil
}

// React adds a reaction of the current user.
func (s *Sender) React(ctx context.Context, messageID, typ string) (*models.Reaction, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.lifecycle.BeforeSendReaction(ctx, me, &models.Reaction{MessageID: messageID, Type: typ})
	if err != nil {
		return nil, err
	}
	s.publish("reaction", reactionID(r), r.SyncStatus)
	if r.SyncStatus == models.SyncNeeded {
		return r, nil
	}
	r.SyncStatus, err = s.sendReaction(ctx, r)
	return r, err
}

// Unreact removes a reaction of the current user.
func (s *Sender) Unreact(ctx context.Context, messageID, typ string) (*models.Reaction, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.lifecycle.BeforeDeleteReaction(ctx, me, messageID, typ)
	if err != nil {
		return nil, err
	}
	s.publish("reaction", reactionID(r), r.SyncStatus)
	if r.SyncStatus == models.SyncNeeded {
		return r, nil
	}
	r.SyncStatus, err = s.sendReaction(ctx, r)
	return r, err
}

func (s *Sender) sendReaction(ctx context.Context, r *models.Reaction) (models.SyncStatus, error) {
	var (
		st  models.SyncStatus
		err error
	)
	if r.DeletedAt != nil {
		_, callErr := s.api.DeleteReaction(ctx, r.MessageID, r.Type)
		st, err = s.lifecycle.AfterDeleteReaction(ctx, r, callErr)
	} else {
		_, callErr := s.api.SendReaction(ctx, r)
		st, err = s.lifecycle.AfterSendReaction(ctx, r, callErr)
	}
	if err != nil {
		return "", err
	}
	s.publish("reaction", reactionID(r), st)
	return st, nil
}

// CreateChannel writes a pending channel and, when connected, creates it.
func (s *Sender) CreateChannel(ctx context.Context, ch *models.Channel) (*models.Channel, error) {
	me, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.lifecycle.BeforeCreateChannel(ctx, me, ch)
	if err != nil {
		return nil, err
	}
	s.publish("channel", pending.CID, pending.SyncStatus)
	if pending.SyncStatus == models.SyncNeeded {
		return pending, nil
	}
	pending.SyncStatus, err = s.createChannel(ctx, pending)
	return pending, err
}

func (s *Sender) createChannel(ctx context.Context, ch *models.Channel) (models.SyncStatus, error) {
	created, createErr := s.api.CreateChannel(ctx, ch)
	st, err := s.lifecycle.AfterCreateChannel(ctx, ch.CID, created, createErr)
	if err != nil {
		return "", err
	}
	id := ch.CID
	if createErr == nil && created != nil && created.CID != "" {
		id = created.CID
	}
	s.publish("channel", id, st)
	return st, nil
}

// Start retries pending writes every time the socket connects.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ch, unsub := s.bus.Subscribe(bus.KindSocketStateChanged, 16)
	go func() {
		defer close(s.done)
		defer unsub()
		s.loop(ctx, ch)
	}()
}

// Stop stops the retry loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StateChange)
			if !ok || change.To.Kind != status.KindConnected {
				continue
			}
			if err := s.RetryPending(ctx); err != nil {
				s.logger.Error("failed to retry pending writes", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// RetryPending resends every SYNC_NEEDED entity: channels first, then
// messages, then reactions. Entities stuck IN_PROGRESS for longer than the
// stale window, usually left by a crash mid-send, are resent too.
func (s *Sender) RetryPending(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleAfter)
	channels, err := s.db.SelectChannelsToRetry(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("select pending channels: %w", err)
	}
	for _, ch := range channels {
		if _, err := s.createChannel(ctx, ch); err != nil {
			s.logger.Error("failed to retry channel", zap.Error(err), zap.String("cid", ch.CID))
		}
	}

	msgs, err := s.db.SelectMessagesToRetry(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("select pending messages: %w", err)
	}
	for _, m := range msgs {
		if _, err := s.sendMessage(ctx, m); err != nil {
			s.logger.Error("failed to retry message", zap.Error(err), zap.String("message_id", m.ID))
		}
	}

	reactions, err := s.db.SelectReactionsToRetry(ctx, staleBefore)
	if err != nil {
		return fmt.Errorf("select pending reactions: %w", err)
	}
	for _, r := range reactions {
		if _, err := s.sendReaction(ctx, r); err != nil {
			s.logger.Error("failed to retry reaction", zap.Error(err), zap.String("message_id", r.MessageID))
		}
	}
	if len(channels)+len(msgs)+len(reactions) > 0 {
		s.logger.Info("retried pending writes",
			zap.Int("channels", len(channels)),
			zap.Int("messages", len(msgs)),
			zap.Int("reactions", len(reactions)),
		)
	}
	return nil
}

func (s *Sender) publish(entity, id string, st models.SyncStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindEntitySyncStatus,
		Timestamp: time.Now(),
		Payload:   EntityStatus{Entity: entity, ID: id, Status: st},
	})
}

func reactionID(r *models.Reaction) string {
	return r.MessageID + "/" + r.UserID + "/" + r.Type
}

// IsPrecondition reports whether err was rejected before any I/O.
func IsPrecondition(err error) bool {
	return errors.Is(err, chaterr.ErrPrecondition)
}
