package sync

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/batch"
	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
)

var errConnectionLost = chaterr.GenericError("connection lost")

// applyEvent mutates the batch for one content event.
func (e *Engine) applyEvent(ctx context.Context, eb *batch.EventBatch, ev events.Event) error {
	meID := eb.CurrentUserID()
	switch ev := ev.(type) {
	case *events.NewMessage:
		if ev.Message == nil {
			return nil
		}
		m := enrichOwnReactions(eb, ev.Message, ev.User)
		eb.AddMessageData(ev.CID(), m, true)
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil && ch.Hidden && !m.Shadowed {
			ch.Hidden = false
			eb.AddChannel(ch)
		}
	case *events.MessageUpdated:
		if ev.Message != nil {
			eb.AddMessageData(ev.CID(), enrichOwnReactions(eb, ev.Message, ev.User), false)
		}
	case *events.MessageDeleted:
		if ev.Message != nil && !ev.HardDelete {
			m := enrichOwnReactions(eb, ev.Message, ev.User)
			if m.DeletedAt == nil {
				at := ev.CreatedAt()
				m.DeletedAt = &at
			}
			eb.AddMessageData(ev.CID(), m, false)
		}
	case *events.NotificationMessageNew:
		if ch := mergeChannel(eb, ev.CID(), ev.Channel); ch != nil {
			ch.Hidden = false
			eb.AddChannel(ch)
		}
		if ev.Message != nil {
			eb.AddMessageData(ev.CID(), ev.Message, true)
		}
	case *events.ReactionNew:
		addReactionMessage(eb, ev.Message, ev.User)
	case *events.ReactionUpdated:
		addReactionMessage(eb, ev.Message, ev.User)
	case *events.ReactionDeleted:
		addReactionMessage(eb, ev.Message, ev.User)
	case *events.NotificationAddedToChannel:
		if ch := mergeChannel(eb, ev.CID(), ev.Channel); ch != nil {
			if ev.Member != nil {
				addMember(ch, *ev.Member)
			}
			eb.AddChannel(ch)
		}
	case *events.NotificationInvited:
		addUsers(eb, ev.User, ev.Member)
	case *events.NotificationInviteAccepted:
		addUsers(eb, ev.User, ev.Member)
		if ch := mergeChannel(eb, ev.CID(), ev.Channel); ch != nil {
			eb.AddChannel(ch)
		}
	case *events.NotificationInviteRejected:
		addUsers(eb, ev.User, ev.Member)
		if ch := mergeChannel(eb, ev.CID(), ev.Channel); ch != nil {
			eb.AddChannel(ch)
		}
	case *events.ChannelHidden:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil {
			ch.Hidden = true
			ch.HiddenMessagesBefore = nil
			if ev.ClearHistory {
				at := ev.CreatedAt()
				ch.HiddenMessagesBefore = &at
			}
			eb.AddChannel(ch)
		}
	case *events.ChannelVisible:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil {
			ch.Hidden = false
			eb.AddChannel(ch)
		}
	case *events.ChannelUserBanned:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil && ev.User != nil {
			setMemberBanned(ch, ev.User.ID, true, ev.Shadow)
			eb.AddChannel(ch)
		}
	case *events.ChannelUserUnbanned:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil && ev.User != nil {
			setMemberBanned(ch, ev.User.ID, false, false)
			eb.AddChannel(ch)
		}
	case *events.MemberAdded:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil && ev.Member != nil {
			addMember(ch, *ev.Member)
			eb.AddChannel(ch)
		}
	case *events.MemberUpdated:
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil && ev.Member != nil {
			if ch.Members == nil {
				ch.Members = make(map[string]models.Member)
			}
			ch.Members[ev.Member.User.ID] = *ev.Member
			eb.AddChannel(ch)
		}
	case *events.MemberRemoved:
		if ev.User == nil {
			return nil
		}
		if ev.User.ID == meID {
			e.logger.Info("skip member removal of current user", zap.String("cid", ev.CID()))
			return nil
		}
		if ch := eb.GetCurrentChannel(ev.CID()); ch != nil {
			if _, ok := ch.Members[ev.User.ID]; ok {
				delete(ch.Members, ev.User.ID)
				if ch.MemberCount > 0 {
					ch.MemberCount--
				}
			}
			eb.AddChannel(ch)
		}
	case *events.NotificationRemovedFromChannel:
		ch := eb.GetCurrentChannel(ev.CID())
		if ch == nil {
			return nil
		}
		if ev.Channel != nil && ev.Channel.Members != nil {
			ch.Members = maps.Clone(ev.Channel.Members)
		}
		delete(ch.Members, meID)
		ch.MemberCount = len(ch.Members)
		eb.AddChannel(ch)
	case *events.ChannelUpdated:
		addMerged(eb, ev.CID(), ev.Channel)
	case *events.ChannelUpdatedByUser:
		addMerged(eb, ev.CID(), ev.Channel)
	case *events.ChannelDeleted:
		eb.RemoveChannel(ev.CID())
	case *events.ChannelTruncated:
		addMerged(eb, ev.CID(), ev.Channel)
	case *events.NotificationChannelDeleted:
		eb.RemoveChannel(ev.CID())
	case *events.NotificationChannelTruncated:
		addMerged(eb, ev.CID(), ev.Channel)
	case *events.MessageRead:
		if ev.User != nil {
			updateRead(eb, ev.CID(), models.ChannelUserRead{
				User:              *ev.User,
				LastRead:          ev.CreatedAt(),
				LastReadMessageID: ev.LastReadMessageID,
			})
		}
	case *events.NotificationMarkRead:
		if ev.User != nil {
			updateRead(eb, ev.CID(), models.ChannelUserRead{
				User:              *ev.User,
				LastRead:          ev.CreatedAt(),
				LastReadMessageID: ev.LastReadMessageID,
			})
		}
	case *events.NotificationMarkUnread:
		if ev.User != nil {
			updateRead(eb, ev.CID(), models.ChannelUserRead{
				User:              *ev.User,
				LastRead:          ev.LastRead,
				UnreadMessages:    ev.UnreadMessages,
				LastReadMessageID: ev.LastReadMessageID,
			})
		}
	case *events.MarkAllRead:
		if ev.User == nil {
			return nil
		}
		for _, cached := range eb.Channels() {
			ch := cached.Clone()
			setRead(ch, models.ChannelUserRead{User: *ev.User, LastRead: ev.CreatedAt()})
			eb.AddChannel(ch)
		}
	case *events.NotificationMutesUpdated:
		return e.storeCurrentUser(ctx, meID, ev.Me)
	case *events.NotificationChannelMutesUpdated:
		return e.storeCurrentUser(ctx, meID, ev.Me)
	case *events.UserUpdated:
		if ev.User == nil {
			return nil
		}
		if ev.User.ID == meID {
			return e.storeCurrentUser(ctx, meID, ev.User)
		}
		eb.AddUser(*ev.User)
	case *events.UserPresenceChanged:
		if ev.User != nil {
			eb.AddUser(*ev.User)
		}
	case *events.UserDeleted:
		if ev.User != nil {
			eb.AddUser(*ev.User)
		}
	case *events.GlobalUserBanned:
		if ev.User != nil {
			u := *ev.User
			u.Banned = true
			eb.AddUser(u)
		}
	case *events.GlobalUserUnbanned:
		if ev.User != nil {
			u := *ev.User
			u.Banned = false
			eb.AddUser(u)
		}
	case *events.UserStartWatching, *events.UserStopWatching,
		*events.TypingStart, *events.TypingStop:
		// Transient, nothing to persist.
	case *events.Connected, *events.Connecting, *events.Disconnected,
		*events.ConnectionError, *events.HealthCheck:
		// Consumed by applyLifecycle.
	case *events.Unknown:
		e.logger.Debug("ignoring unknown event", zap.String("type", string(ev.Type())))
	default:
		return fmt.Errorf("%w: %T", errUnhandledEvent, ev)
	}
	return nil
}

var errUnhandledEvent = chaterr.GenericError("unhandled event")

// applyDeletions runs the deletes that must follow the batch flush.
func (e *Engine) applyDeletions(ctx context.Context, evs []events.Event) error {
	for _, ev := range evs {
		var err error
		switch ev := ev.(type) {
		case *events.ChannelTruncated:
			err = e.db.DeleteChannelMessagesBefore(ctx, ev.CID(), ev.CreatedAt())
		case *events.NotificationChannelTruncated:
			err = e.db.DeleteChannelMessagesBefore(ctx, ev.CID(), ev.CreatedAt())
		case *events.ChannelDeleted:
			if err = e.db.DeleteChannelMessagesBefore(ctx, ev.CID(), ev.CreatedAt()); err == nil {
				err = e.db.SetChannelDeletedAt(ctx, ev.CID(), ev.CreatedAt())
			}
		case *events.ChannelHidden:
			if ev.ClearHistory {
				err = e.db.DeleteChannelMessagesBefore(ctx, ev.CID(), ev.CreatedAt())
			}
		case *events.MessageDeleted:
			if ev.HardDelete && ev.Message != nil {
				err = e.db.DeleteMessage(ctx, ev.Message.ID)
			}
		}
		if err != nil {
			return fmt.Errorf("apply %s deletions: %w", ev.Type(), err)
		}
	}
	return nil
}

func (e *Engine) storeCurrentUser(ctx context.Context, meID string, u *models.User) error {
	if u == nil {
		return nil
	}
	if meID != "" && u.ID != meID {
		e.logger.Warn("ignoring current user update for another user",
			zap.String("user_id", u.ID), zap.String("current_user_id", meID))
		return nil
	}
	if err := e.db.InsertCurrentUser(ctx, *u); err != nil {
		return fmt.Errorf("insert current user: %w", err)
	}
	return nil
}

// enrichOwnReactions keeps the cached own reactions unless the current user
// caused the event, since broadcast payloads carry the actor's view.
func enrichOwnReactions(eb *batch.EventBatch, m *models.Message, actor *models.User) *models.Message {
	cp := *m
	meID := eb.CurrentUserID()
	if actor != nil && actor.ID == meID && meID != "" {
		var own []models.Reaction
		seen := map[string]bool{}
		for _, r := range append(append([]models.Reaction(nil), m.OwnReactions...), m.LatestReactions...) {
			if r.UserID == meID && !seen[r.Type] {
				seen[r.Type] = true
				own = append(own, r)
			}
		}
		cp.OwnReactions = own
		return &cp
	}
	if cached := eb.GetCurrentMessage(m.ID); cached != nil {
		cp.OwnReactions = cached.OwnReactions
	} else {
		cp.OwnReactions = nil
	}
	return &cp
}

func addReactionMessage(eb *batch.EventBatch, m *models.Message, actor *models.User) {
	if m == nil {
		return
	}
	eb.AddMessage(enrichOwnReactions(eb, m, actor))
}

// mergeChannel returns the cached channel overlaid with incoming, or a copy
// of incoming when nothing is cached.
func mergeChannel(eb *batch.EventBatch, cid string, incoming *models.Channel) *models.Channel {
	cached := eb.GetCurrentChannel(cid)
	switch {
	case cached != nil:
		cached.Merge(incoming)
		return cached
	case incoming != nil:
		ch := incoming.Clone()
		if ch.CID == "" {
			ch.CID = cid
		}
		return ch
	}
	return nil
}

func addMerged(eb *batch.EventBatch, cid string, incoming *models.Channel) {
	if ch := mergeChannel(eb, cid, incoming); ch != nil {
		eb.AddChannel(ch)
	}
}

func addUsers(eb *batch.EventBatch, u *models.User, m *models.Member) {
	if u != nil {
		eb.AddUser(*u)
	}
	if m != nil {
		eb.AddUser(m.User)
	}
}

func addMember(ch *models.Channel, m models.Member) {
	if ch.Members == nil {
		ch.Members = make(map[string]models.Member)
	}
	if _, exists := ch.Members[m.User.ID]; !exists {
		ch.MemberCount++
	}
	ch.Members[m.User.ID] = m
}

func setMemberBanned(ch *models.Channel, userID string, banned, shadow bool) {
	m, ok := ch.Members[userID]
	if !ok {
		return
	}
	m.Banned = banned
	m.ShadowBanned = shadow
	ch.Members[userID] = m
}

func updateRead(eb *batch.EventBatch, cid string, read models.ChannelUserRead) {
	ch := eb.GetCurrentChannel(cid)
	if ch == nil {
		return
	}
	setRead(ch, read)
	eb.AddChannel(ch)
}

func setRead(ch *models.Channel, read models.ChannelUserRead) {
	if ch.Reads == nil {
		ch.Reads = make(map[string]models.ChannelUserRead)
	}
	if prev, ok := ch.Reads[read.User.ID]; ok && read.LastMessageSeenAt.IsZero() {
		read.LastMessageSeenAt = laterOf(prev.LastMessageSeenAt, read.LastRead)
	}
	ch.Reads[read.User.ID] = read
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
