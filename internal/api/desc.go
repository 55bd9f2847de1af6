package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatkit.v1.Inspector"

// InspectorServer is the server side of chatkit.v1.Inspector. Requests
// and responses are protobuf well-known types, so no generated code is
// involved.
type InspectorServer interface {
	GetConnectionState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Reconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListChannels(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unreact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateChannel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
	WatchChannel(*structpb.Struct, EventStream) error
	WatchChannels(*structpb.Struct, EventStream) error
}

// EventStream is the server half of every server-streaming call.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

// InspectorDesc describes chatkit.v1.Inspector for grpc.ServiceRegistrar.
var InspectorDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetConnectionState", newEmpty, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.GetConnectionState(ctx, in.(*emptypb.Empty))
		}),
		unary("Reconnect", newEmpty, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Reconnect(ctx, in.(*emptypb.Empty))
		}),
		unary("Disconnect", newEmpty, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Disconnect(ctx, in.(*emptypb.Empty))
		}),
		unary("ListChannels", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.ListChannels(ctx, in.(*structpb.Struct))
		}),
		unary("ListMessages", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.ListMessages(ctx, in.(*structpb.Struct))
		}),
		unary("SendMessage", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.SendMessage(ctx, in.(*structpb.Struct))
		}),
		unary("React", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.React(ctx, in.(*structpb.Struct))
		}),
		unary("Unreact", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.Unreact(ctx, in.(*structpb.Struct))
		}),
		unary("CreateChannel", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.CreateChannel(ctx, in.(*structpb.Struct))
		}),
		unary("RemoteMessage", newStruct, func(s InspectorServer, ctx context.Context, in proto.Message) (proto.Message, error) {
			return s.RemoteMessage(ctx, in.(*structpb.Struct))
		}),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchEvents", InspectorServer.WatchEvents),
		serverStream("WatchChannel", InspectorServer.WatchChannel),
		serverStream("WatchChannels", InspectorServer.WatchChannels),
	},
	Metadata: "chatkit/v1/inspector.proto",
}

// RegisterInspector registers srv on s.
func RegisterInspector(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func newEmpty() proto.Message  { return new(emptypb.Empty) }
func newStruct() proto.Message { return new(structpb.Struct) }

type unaryCall func(InspectorServer, context.Context, proto.Message) (proto.Message, error)

func unary(name string, newReq func() proto.Message, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InspectorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(InspectorServer), ctx, req.(proto.Message))
			})
		},
	}
}

func serverStream(name string, call func(InspectorServer, *structpb.Struct, EventStream) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(InspectorServer), in, &eventStream{stream})
		},
	}
}

func streamDesc(name string) *grpc.StreamDesc {
	for i := range InspectorDesc.Streams {
		if InspectorDesc.Streams[i].StreamName == name {
			return &InspectorDesc.Streams[i]
		}
	}
	panic("api: unknown stream " + name)
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}
