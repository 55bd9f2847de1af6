// Package syncstatus tracks optimistic local writes until the server
// confirms or rejects them.
package syncstatus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
)

// NextStatus maps the outcome of a server call to a sync status.
func NextStatus(err error, isPermanent func(error) bool) models.SyncStatus {
	switch {
	case err == nil:
		return models.SyncCompleted
	case isPermanent != nil && isPermanent(err):
		return models.SyncFailedPermanently
	default:
		return models.SyncNeeded
	}
}

// StateReader reports the current connection state.
type StateReader interface {
	Current() status.State
}

// Lifecycle writes optimistic entities before a server call and resolves
// their status after it. A result is never applied over an entity that is
// already COMPLETED in the cache.
type Lifecycle struct {
	db     *store.DB
	state  StateReader
	logger *zap.Logger
	now    func() time.Time
}

func NewLifecycle(db *store.DB, state StateReader, logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{db: db, state: state, logger: logger, now: time.Now}
}

func (l *Lifecycle) initialStatus() models.SyncStatus {
	if l.state != nil && l.state.Current().Kind == status.KindConnected {
		return models.SyncInProgress
	}
	return models.SyncNeeded
}

// BeforeSendMessage stores m as a pending local message of me in cid.
func (l *Lifecycle) BeforeSendMessage(ctx context.Context, me *models.User, cid string, m *models.Message) (*models.Message, error) {
	if me == nil {
		return nil, chaterr.Precondition("current user is not set")
	}
	if _, _, err := models.ParseCID(cid); err != nil {
		return nil, chaterr.Precondition("invalid cid %q", cid)
	}
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return nil, chaterr.Precondition("message text is empty")
	}
	cp := *m
	if cp.ID == "" {
		cp.ID = me.ID + "-" + uuid.NewString()
	}
	now := l.now()
	cp.CID = cid
	cp.User = *me
	if cp.Type == "" {
		cp.Type = "regular"
	}
	cp.CreatedLocallyAt = &now
	cp.SyncStatus = l.initialStatus()
	if err := l.db.InsertMessages(ctx, []*models.Message{&cp}); err != nil {
		return nil, fmt.Errorf("insert pending message: %w", err)
	}
	return &cp, nil
}

// AfterSendMessage applies the result of sending message id. sent is the
// server copy on success. The check and the write share one transaction so a
// server copy committed in between cannot be overwritten.
func (l *Lifecycle) AfterSendMessage(ctx context.Context, id string, sent *models.Message, sendErr error) (models.SyncStatus, error) {
	next := NextStatus(sendErr, chaterr.IsPermanent)
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.SelectMessage(ctx, id)
		if err != nil {
			return fmt.Errorf("select message: %w", err)
		}
		if current == nil {
			return fmt.Errorf("message %s not cached", id)
		}
		if current.SyncStatus == models.SyncCompleted {
			l.logger.Debug("discarding stale send result", zap.String("message_id", id))
			next = models.SyncCompleted
			return nil
		}
		updated := current
		if sendErr == nil && sent != nil {
			cp := *sent
			cp.ID = id
			if cp.CID == "" {
				cp.CID = current.CID
			}
			cp.CreatedLocallyAt = current.CreatedLocallyAt
			updated = &cp
		}
		updated.SyncStatus = next
		if err := tx.InsertMessages(ctx, []*models.Message{updated}); err != nil {
			return fmt.Errorf("update message status: %w", err)
		}
		l.logResult("message", id, next, sendErr)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// BeforeSendReaction stores r as a pending reaction of me.
func (l *Lifecycle) BeforeSendReaction(ctx context.Context, me *models.User, r *models.Reaction) (*models.Reaction, error) {
	if me == nil {
		return nil, chaterr.Precondition("current user is not set")
	}
	if r == nil || r.MessageID == "" || r.Type == "" {
		return nil, chaterr.Precondition("reaction needs a message id and a type")
	}
	cp := *r
	now := l.now()
	cp.UserID = me.ID
	cp.User = me
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.DeletedAt = nil
	cp.SyncStatus = l.initialStatus()
	if err := l.db.InsertReaction(ctx, &cp); err != nil {
		return nil, fmt.Errorf("insert pending reaction: %w", err)
	}
	return &cp, nil
}

// AfterSendReaction resolves a reaction written by BeforeSendReaction.
func (l *Lifecycle) AfterSendReaction(ctx context.Context, r *models.Reaction, sendErr error) (models.SyncStatus, error) {
	return l.afterReaction(ctx, r, sendErr)
}

// BeforeDeleteReaction marks the reaction of me as deleted locally.
func (l *Lifecycle) BeforeDeleteReaction(ctx context.Context, me *models.User, messageID, typ string) (*models.Reaction, error) {
	if me == nil {
		return nil, chaterr.Precondition("current user is not set")
	}
	if messageID == "" || typ == "" {
		return nil, chaterr.Precondition("reaction needs a message id and a type")
	}
	r, err := l.db.SelectReaction(ctx, messageID, me.ID, typ)
	if err != nil {
		return nil, fmt.Errorf("select reaction: %w", err)
	}
	now := l.now()
	if r == nil {
		r = &models.Reaction{MessageID: messageID, UserID: me.ID, User: me, Type: typ, CreatedAt: now}
	}
	r.UpdatedAt = now
	r.DeletedAt = &now
	r.SyncStatus = l.initialStatus()
	if err := l.db.InsertReaction(ctx, r); err != nil {
		return nil, fmt.Errorf("mark reaction deleted: %w", err)
	}
	return r, nil
}

// AfterDeleteReaction resolves a deletion written by BeforeDeleteReaction.
func (l *Lifecycle) AfterDeleteReaction(ctx context.Context, r *models.Reaction, deleteErr error) (models.SyncStatus, error) {
	return l.afterReaction(ctx, r, deleteErr)
}

func (l *Lifecycle) afterReaction(ctx context.Context, r *models.Reaction, callErr error) (models.SyncStatus, error) {
	next := NextStatus(callErr, chaterr.IsPermanent)
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.SelectReaction(ctx, r.MessageID, r.UserID, r.Type)
		if err != nil {
			return fmt.Errorf("select reaction: %w", err)
		}
		if current == nil {
			return fmt.Errorf("reaction %s/%s not cached", r.MessageID, r.Type)
		}
		if current.SyncStatus == models.SyncCompleted {
			l.logger.Debug("discarding stale reaction result", zap.String("message_id", r.MessageID))
			next = models.SyncCompleted
			return nil
		}
		current.SyncStatus = next
		if err := tx.InsertReaction(ctx, current); err != nil {
			return fmt.Errorf("update reaction status: %w", err)
		}
		l.logResult("reaction", r.MessageID+"/"+r.Type, next, callErr)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

// BeforeCreateChannel stores ch as a pending channel created by me. A
// channel without an id is identified by its member list.
func (l *Lifecycle) BeforeCreateChannel(ctx context.Context, me *models.User, ch *models.Channel) (*models.Channel, error) {
	if me == nil {
		return nil, chaterr.Precondition("current user is not set")
	}
	if ch == nil || ch.Type == "" {
		return nil, chaterr.Precondition("channel type is required")
	}
	if ch.ID == "" && len(ch.Members) == 0 {
		return nil, chaterr.Precondition("channel id is blank and no members were given")
	}
	cp := ch.Clone()
	if cp.ID == "" {
		cp.ID = models.LocalChannelIDPrefix + uuid.NewString()
	}
	now := l.now()
	cp.CID = models.CID(cp.Type, cp.ID)
	cp.CreatedBy = *me
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.Members == nil {
		cp.Members = map[string]models.Member{}
	}
	if _, ok := cp.Members[me.ID]; !ok {
		cp.Members[me.ID] = models.Member{User: *me, CreatedAt: now}
	}
	cp.MemberCount = len(cp.Members)
	cp.SyncStatus = l.initialStatus()
	if err := l.db.InsertChannels(ctx, []*models.Channel{cp}); err != nil {
		return nil, fmt.Errorf("insert pending channel: %w", err)
	}
	return cp, nil
}

// AfterCreateChannel resolves a channel written by BeforeCreateChannel.
// created is the server copy on success and may carry a different cid.
func (l *Lifecycle) AfterCreateChannel(ctx context.Context, cid string, created *models.Channel, createErr error) (models.SyncStatus, error) {
	next := NextStatus(createErr, chaterr.IsPermanent)
	err := l.db.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.SelectChannel(ctx, cid)
		if err != nil {
			return fmt.Errorf("select channel: %w", err)
		}
		if current == nil {
			return fmt.Errorf("channel %s not cached", cid)
		}
		if current.SyncStatus == models.SyncCompleted {
			l.logger.Debug("discarding stale create result", zap.String("cid", cid))
			next = models.SyncCompleted
			return nil
		}
		if createErr == nil && created != nil && created.CID != "" && created.CID != cid {
			// The server assigned the id; replace the local placeholder.
			if err := tx.EvictChannel(ctx, cid); err != nil {
				return fmt.Errorf("evict placeholder channel: %w", err)
			}
			current = created.Clone()
		} else if createErr == nil && created != nil {
			current.Merge(created)
		}
		current.SyncStatus = next
		if err := tx.InsertChannels(ctx, []*models.Channel{current}); err != nil {
			return fmt.Errorf("update channel status: %w", err)
		}
		l.logResult("channel", current.CID, next, createErr)
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func (l *Lifecycle) logResult(entity, id string, next models.SyncStatus, err error) {
	switch next {
	case models.SyncCompleted:
		l.logger.Debug("local write confirmed", zap.String("entity", entity), zap.String("id", id))
	case models.SyncFailedPermanently:
		l.logger.Warn("local write rejected", zap.String("entity", entity), zap.String("id", id), zap.Error(err))
	default:
		l.logger.Info("local write will be retried", zap.String("entity", entity), zap.String("id", id), zap.Error(err))
	}
}
