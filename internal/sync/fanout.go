package sync

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/chatkit/internal/batch"
	"github.com/matheus3301/chatkit/internal/events"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/observe"
)

// fanOut pushes the flushed batch to channel and query observers.
func (e *Engine) fanOut(ctx context.Context, eb *batch.EventBatch, evs []events.Event) {
	if e.observers == nil {
		return
	}
	e.fanOutChannels(ctx, eb, evs)

	e.observers.PublishQueries(eb.Channels(), eb.Removed())
}

func (e *Engine) fanOutChannels(ctx context.Context, eb *batch.EventBatch, evs []events.Event) {
	active := e.observers.ActiveChannels()
	if len(active) == 0 {
		return
	}
	loaded, err := e.db.SelectChannels(ctx, active)
	if err != nil {
		e.logger.Warn("failed to load observed channels", zap.Error(err))
		return
	}
	channels := make(map[string]*models.Channel, len(loaded))
	for _, ch := range loaded {
		channels[ch.CID] = ch
	}

	grouped := make(map[string][]events.Event)
	for _, ev := range evs {
		switch ev := ev.(type) {
		case *events.MarkAllRead, *events.NotificationChannelMutesUpdated:
			for _, cid := range active {
				grouped[cid] = append(grouped[cid], ev)
			}
		case *events.UserPresenceChanged:
			if ev.User == nil {
				continue
			}
			for _, cid := range active {
				if ch := channels[cid]; ch != nil {
					if _, member := ch.Members[ev.User.ID]; member {
						grouped[cid] = append(grouped[cid], ev)
					}
				}
			}
		case events.CIDEvent:
			if slices.Contains(active, ev.CID()) {
				grouped[ev.CID()] = append(grouped[ev.CID()], ev)
			}
		}
	}

	messages := make(map[string][]*models.Message)
	for _, m := range eb.Messages() {
		messages[m.CID] = append(messages[m.CID], m)
	}

	for _, cid := range active {
		evs := grouped[cid]
		if len(evs) == 0 {
			continue
		}
		msgs := messages[cid]
		slices.SortFunc(msgs, func(a, b *models.Message) int {
			return a.CreatedAtOrLocal().Compare(b.CreatedAtOrLocal())
		})
		e.observers.PublishChannel(observe.ChannelUpdate{
			CID:      cid,
			Channel:  channels[cid],
			Messages: msgs,
			Events:   evs,
		})
	}
}
