// Package notify decides which messages surface as user notifications.
package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/store"
)

// Notification is what a Handler is asked to display.
type Notification struct {
	MessageID string
	CID       string
	Title     string
	Text      string
}

// Handler displays notifications. Rendering and delivery live outside this
// package.
type Handler interface {
	Show(ctx context.Context, n Notification) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n Notification) error

func (f HandlerFunc) Show(ctx context.Context, n Notification) error { return f(ctx, n) }

// Gate surfaces each message at most once, whether it arrives over the
// socket or as a remote push.
type Gate struct {
	db      *store.DB
	handler Handler
	bus     *bus.Bus
	logger  *zap.Logger
	now     func() time.Time
}

func NewGate(db *store.DB, handler Handler, b *bus.Bus, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{db: db, handler: handler, bus: b, logger: logger, now: time.Now}
}

// OnChatEvent surfaces new messages from realtime events. It reports whether
// a notification was shown.
func (g *Gate) OnChatEvent(ctx context.Context, ev events.Event) (bool, error) {
	var (
		cid string
		m   *models.Message
	)
	switch ev := ev.(type) {
	case *events.NewMessage:
		cid, m = ev.CID(), ev.Message
	case *events.NotificationMessageNew:
		cid, m = ev.CID(), ev.Message
	default:
		return false, nil
	}
	if m == nil || m.Silent || m.Shadowed || m.IsThreadReplyOnly() {
		return false, nil
	}

	me, err := g.db.SelectCurrentUser(ctx)
	if err != nil {
		return false, fmt.Errorf("select current user: %w", err)
	}
	if me != nil {
		if m.User.ID == me.ID {
			return false, nil
		}
		if me.IsChannelMuted(cid, g.now()) {
			g.logger.Debug("channel muted, not notifying", zap.String("cid", cid))
			return false, nil
		}
	}
	return g.surface(ctx, Notification{MessageID: m.ID, CID: cid, Title: m.User.Name, Text: m.Text})
}

// OnRemoteMessage surfaces a message announced by a push payload. The
// payload carries at least message_id and either cid or channel_type and
// channel_id.
func (g *Gate) OnRemoteMessage(ctx context.Context, payload map[string]string) (bool, error) {
	id := payload["message_id"]
	cid := payload["cid"]
	if cid == "" && payload["channel_type"] != "" && payload["channel_id"] != "" {
		cid = models.CID(payload["channel_type"], payload["channel_id"])
	}
	if id == "" || cid == "" {
		return false, chaterr.Precondition("push payload is missing message or channel")
	}

	n := Notification{MessageID: id, CID: cid, Title: payload["title"], Text: payload["body"]}
	cached, err := g.db.SelectMessage(ctx, id)
	if err != nil {
		return false, fmt.Errorf("select message: %w", err)
	}
	if cached != nil {
		n.Text = cached.Text
		if cached.User.Name != "" {
			n.Title = cached.User.Name
		}
	}
	return g.surface(ctx, n)
}

func (g *Gate) surface(ctx context.Context, n Notification) (bool, error) {
	first, err := g.db.MarkNotified(ctx, n.MessageID)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	if !first {
		return false, nil
	}
	if g.handler != nil {
		if err := g.handler.Show(ctx, n); err != nil {
			return false, fmt.Errorf("show notification: %w", err)
		}
	}
	if g.bus != nil {
		g.bus.Publish(bus.Event{Kind: bus.KindNotification, Timestamp: g.now(), Payload: n})
	}
	g.logger.Info("notification shown", zap.String("message_id", n.MessageID), zap.String("cid", n.CID))
	return true, nil
}
