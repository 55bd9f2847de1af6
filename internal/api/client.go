package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's Inspector over its Unix socket.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// Dial connects lazily to the daemon socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, cc: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetConnectionState(ctx context.Context) (*structpb.Struct, error) {
	return c.invokeEmpty(ctx, "GetConnectionState")
}

func (c *Client) Reconnect(ctx context.Context) (*structpb.Struct, error) {
	return c.invokeEmpty(ctx, "Reconnect")
}

func (c *Client) Disconnect(ctx context.Context) (*structpb.Struct, error) {
	return c.invokeEmpty(ctx, "Disconnect")
}

func (c *Client) ListChannels(ctx context.Context, limit int) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListChannels", map[string]any{"limit": limit})
}

func (c *Client) ListMessages(ctx context.Context, cid string, limit int) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListMessages", map[string]any{"cid": cid, "limit": limit})
}

func (c *Client) SendMessage(ctx context.Context, cid, text string) (*structpb.Struct, error) {
	return c.invoke(ctx, "SendMessage", map[string]any{"cid": cid, "text": text})
}

func (c *Client) React(ctx context.Context, messageID, typ string) (*structpb.Struct, error) {
	return c.invoke(ctx, "React", map[string]any{"message_id": messageID, "type": typ})
}

func (c *Client) Unreact(ctx context.Context, messageID, typ string) (*structpb.Struct, error) {
	return c.invoke(ctx, "Unreact", map[string]any{"message_id": messageID, "type": typ})
}

// CreateChannel creates a channel of typ. id may be empty when members are
// given; the current user is always added.
func (c *Client) CreateChannel(ctx context.Context, typ, id, name string, members []string) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateChannel", map[string]any{"type": typ, "id": id, "name": name, "members": stringList(members)})
}

// RemoteMessage hands a push payload to the daemon's notification gate.
func (c *Client) RemoteMessage(ctx context.Context, payload map[string]string) (*structpb.Struct, error) {
	args := make(map[string]any, len(payload))
	for k, v := range payload {
		args[k] = v
	}
	return c.invoke(ctx, "RemoteMessage", args)
}

// EventWatcher receives messages from a server stream.
type EventWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next message.
func (w *EventWatcher) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents subscribes to bus events whose kind starts with prefix.
// An empty prefix receives everything.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*EventWatcher, error) {
	return c.watch(ctx, "WatchEvents", map[string]any{"prefix": prefix})
}

// WatchChannel streams the cached channel, then one update per batch that
// touched it.
func (c *Client) WatchChannel(ctx context.Context, cid string) (*EventWatcher, error) {
	return c.watch(ctx, "WatchChannel", map[string]any{"cid": cid})
}

// WatchChannels streams changes to the set of channels the current user
// is a member of.
func (c *Client) WatchChannels(ctx context.Context) (*EventWatcher, error) {
	return c.watch(ctx, "WatchChannels", map[string]any{})
}

func (c *Client) watch(ctx context.Context, method string, args map[string]any) (*EventWatcher, error) {
	stream, err := c.cc.NewStream(ctx, streamDesc(method), fullMethod(method))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventWatcher{stream: stream}, nil
}

func (c *Client) invokeEmpty(ctx context.Context, method string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}
