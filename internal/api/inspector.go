// Package api serves the daemon's Inspector gRPC service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatkit/internal/bus"
	"github.com/matheus3301/chatkit/internal/chaterr"
	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/notify"
	"github.com/matheus3301/chatkit/internal/observe"
	"github.com/matheus3301/chatkit/internal/outbox"
	"github.com/matheus3301/chatkit/internal/status"
	"github.com/matheus3301/chatkit/internal/store"
	intsync "github.com/matheus3301/chatkit/internal/sync"
)

const watchBuffer = 64

// Inspector implements InspectorServer on top of the running client core.
type Inspector struct {
	session   string
	startedAt time.Time
	cfg       status.ConnectionConfig
	state     *status.Service
	engine    *intsync.Engine
	sender    *outbox.Sender
	observers *observe.Registry
	gate      *notify.Gate
	db        *store.DB
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewInspector creates the service. cfg is reused for forced reconnects.
// observers and gate may be nil; the calls that need them then fail with
// Unimplemented.
func NewInspector(session string, cfg status.ConnectionConfig, state *status.Service, engine *intsync.Engine,
	sender *outbox.Sender, observers *observe.Registry, gate *notify.Gate, db *store.DB, b *bus.Bus,
	logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{
		session:   session,
		startedAt: time.Now(),
		cfg:       cfg,
		state:     state,
		engine:    engine,
		sender:    sender,
		observers: observers,
		gate:      gate,
		db:        db,
		bus:       b,
		logger:    logger,
	}
}

func (s *Inspector) GetConnectionState(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return s.snapshot(s.state.Current())
}

// Reconnect forces a new connection, even after a user requested disconnect.
func (s *Inspector) Reconnect(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	cfg := s.cfg
	cfg.IsReconnection = true
	st, changed := s.state.Fire(status.Reconnect(cfg, true))
	if !changed {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "cannot reconnect while %s", st)
	}
	return s.snapshot(st)
}

func (s *Inspector) Disconnect(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, _ := s.state.Fire(status.RequiredDisconnect())
	return s.snapshot(st)
}

func (s *Inspector) ListChannels(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	channels, err := s.db.ListChannels(ctx, intField(in, "limit"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list channels: %v", err)
	}
	return toStruct(map[string]any{"channels": channels})
}

func (s *Inspector) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	cid := stringField(in, "cid")
	if cid == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "cid is required")
	}
	msgs, err := s.db.ListChannelMessages(ctx, cid, intField(in, "limit"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return toStruct(map[string]any{"messages": msgs})
}

func (s *Inspector) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.sender.Send(ctx, stringField(in, "cid"), stringField(in, "text"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return toStruct(map[string]any{"message": m})
}

func (s *Inspector) React(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.sender.React(ctx, stringField(in, "message_id"), stringField(in, "type"))
	if err != nil {
		return nil, toStatus("react", err)
	}
	return toStruct(map[string]any{"reaction": r})
}

func (s *Inspector) Unreact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.sender.Unreact(ctx, stringField(in, "message_id"), stringField(in, "type"))
	if err != nil {
		return nil, toStatus("unreact", err)
	}
	return toStruct(map[string]any{"reaction": r})
}

// CreateChannel takes type, optional id and name, and a members list of
// user ids.
func (s *Inspector) CreateChannel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ch := &models.Channel{
		Type: stringField(in, "type"),
		ID:   stringField(in, "id"),
		Name: stringField(in, "name"),
	}
	for _, v := range in.GetFields()["members"].GetListValue().GetValues() {
		id := v.GetStringValue()
		if id == "" {
			continue
		}
		if ch.Members == nil {
			ch.Members = make(map[string]models.Member)
		}
		ch.Members[id] = models.Member{User: models.User{ID: id}}
	}
	created, err := s.sender.CreateChannel(ctx, ch)
	if err != nil {
		return nil, toStatus("create channel", err)
	}
	return toStruct(map[string]any{"channel": created})
}

// RemoteMessage feeds a push payload to the notification gate. Every
// request field is read as a string payload entry.
func (s *Inspector) RemoteMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.gate == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "notifications are not enabled")
	}
	payload := make(map[string]string, len(in.GetFields()))
	for k, v := range in.GetFields() {
		payload[k] = v.GetStringValue()
	}
	shown, err := s.gate.OnRemoteMessage(ctx, payload)
	if err != nil {
		return nil, toStatus("remote message", err)
	}
	return structpb.NewStruct(map[string]any{"shown": shown})
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix until the client goes away.
func (s *Inspector) WatchEvents(in *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(stringField(in, "prefix"), watchBuffer)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := eventStruct(evt)
			if err != nil {
				s.logger.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Inspector) snapshot(st status.State) (*structpb.Struct, error) {
	out := map[string]any{
		"session":   s.session,
		"state":     string(st.Kind),
		"detail":    st.String(),
		"connected": st.Kind == status.KindConnected,
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if st.Err != nil {
		out["error"] = st.Err.Error()
	}
	if s.engine != nil {
		g := s.engine.Global()
		out["total_unread"] = g.TotalUnreadCount
		out["unread_channels"] = g.UnreadChannels
		if g.CurrentUser != nil {
			out["user_id"] = g.CurrentUser.ID
		}
	}
	return structpb.NewStruct(out)
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	payload := evt.Payload
	if change, ok := payload.(status.StateChange); ok {
		payload = map[string]any{
			"from":    change.From.String(),
			"to":      change.To.String(),
			"trigger": string(change.Trigger),
		}
	}
	return toStruct(map[string]any{
		"kind":    evt.Kind,
		"ts":      evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload": payload,
	})
}

// toStruct round trips v through JSON so model structs keep their json tags.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func intField(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}

func toStatus(op string, err error) error {
	switch {
	case outbox.IsPrecondition(err):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, chaterr.ErrNetwork):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
