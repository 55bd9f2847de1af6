package api

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatkit/internal/models"
	"github.com/matheus3301/chatkit/internal/observe"
)

// WatchChannel sends the cached channel, then one message per reconciled
// batch that touched it.
func (s *Inspector) WatchChannel(in *structpb.Struct, stream EventStream) error {
	if s.observers == nil {
		return grpcstatus.Error(codes.Unimplemented, "channel watching is not enabled")
	}
	cid := stringField(in, "cid")
	if _, _, err := models.ParseCID(cid); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "invalid cid %q", cid)
	}
	ctx := stream.Context()

	o := s.observers.WatchChannel(cid)
	defer o.Close()

	cached, err := s.db.SelectChannel(ctx, cid)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "select channel: %v", err)
	}
	first, err := toStruct(map[string]any{"cid": cid, "channel": cached})
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		select {
		case upd, ok := <-o.Updates():
			if !ok {
				return nil
			}
			msg, err := channelUpdateStruct(upd)
			if err != nil {
				s.logger.Warn("skip unencodable channel update", zap.String("cid", cid), zap.Error(err))
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

// WatchChannels sends the current user's channels, then every change to
// that set.
func (s *Inspector) WatchChannels(_ *structpb.Struct, stream EventStream) error {
	if s.observers == nil {
		return grpcstatus.Error(codes.Unimplemented, "channel watching is not enabled")
	}
	ctx := stream.Context()
	me, err := s.db.SelectCurrentUser(ctx)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "select current user: %v", err)
	}
	if me == nil {
		return grpcstatus.Error(codes.FailedPrecondition, "current user is not set")
	}
	initial, err := s.db.ListChannels(ctx, 0)
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "list channels: %v", err)
	}

	q := s.observers.WatchQuery("inspector:"+me.ID, observe.MemberOf(me.ID), initial)
	defer q.Close()

	first, err := structpb.NewStruct(map[string]any{"cids": stringList(q.CIDs())})
	if err != nil {
		return grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	if err := stream.Send(first); err != nil {
		return err
	}

	for {
		select {
		case upd, ok := <-q.Updates():
			if !ok {
				return nil
			}
			upserted := make([]string, len(upd.Upserted))
			for i, ch := range upd.Upserted {
				upserted[i] = ch.CID
			}
			msg, err := structpb.NewStruct(map[string]any{
				"upserted": stringList(upserted),
				"removed":  stringList(upd.Removed),
				"cids":     stringList(q.CIDs()),
			})
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "%v", err)
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func channelUpdateStruct(upd observe.ChannelUpdate) (*structpb.Struct, error) {
	evs := make([]map[string]any, len(upd.Events))
	for i, ev := range upd.Events {
		evs[i] = map[string]any{
			"type":       string(ev.Type()),
			"created_at": ev.CreatedAt().UTC().Format(time.RFC3339Nano),
		}
	}
	return toStruct(map[string]any{
		"cid":      upd.CID,
		"channel":  upd.Channel,
		"messages": upd.Messages,
		"events":   evs,
	})
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
