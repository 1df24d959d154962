// Package relay is a small gRPC service that forwards bus notifications
// between processes. One process runs the Server; every process (the server's
// own included) talks to it through a Transport.
package relay

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "messagebus.relay.Relay"

	MethodNotify = "/" + ServiceName + "/Notify"
	MethodListen = "/" + ServiceName + "/Listen"
	MethodHealth = "/" + ServiceName + "/Health"
)

type Notification struct {
	Channel  string `json:"channel"`
	ID       uint64 `json:"id"`
	GlobalID uint64 `json:"global_id,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	// Ready marks the first frame of a Listen stream, sent once the server
	// side is subscribed.
	Ready bool `json:"ready,omitempty"`
}

type NotifyResponse struct {
	Listeners int `json:"listeners"`
}

type ListenRequest struct {
	ProcessID string `json:"process_id,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	OK        bool `json:"ok"`
	Listeners int  `json:"listeners"`
}

type RelayServer interface {
	Notify(context.Context, *Notification) (*NotifyResponse, error)
	Listen(*ListenRequest, RelayListenServer) error
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

type RelayListenServer interface {
	Send(*Notification) error
	grpc.ServerStream
}

type relayListenServer struct {
	grpc.ServerStream
}

func (s *relayListenServer) Send(n *Notification) error {
	return s.ServerStream.SendMsg(n)
}

func RegisterRelayServer(registrar grpc.ServiceRegistrar, srv RelayServer) {
	registrar.RegisterService(&RelayServiceDesc, srv)
}

var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Notify", Handler: _Relay_Notify_Handler},
		{MethodName: "Health", Handler: _Relay_Health_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Listen", Handler: _Relay_Listen_Handler, ServerStreams: true},
	},
	Metadata: "relay.proto",
}

func _Relay_Notify_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(Notification)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Notify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodNotify,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Notify(ctx, req.(*Notification))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Health_Handler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: MethodHealth,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Relay_Listen_Handler(srv any, stream grpc.ServerStream) error {
	in := new(ListenRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RelayServer).Listen(in, &relayListenServer{ServerStream: stream})
}

type RelayClient interface {
	Notify(ctx context.Context, in *Notification, opts ...grpc.CallOption) (*NotifyResponse, error)
	Listen(ctx context.Context, in *ListenRequest, opts ...grpc.CallOption) (RelayListenClient, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type relayClient struct {
	cc grpc.ClientConnInterface
}

func NewRelayClient(cc grpc.ClientConnInterface) RelayClient {
	return &relayClient{cc: cc}
}

func (c *relayClient) Notify(ctx context.Context, in *Notification, opts ...grpc.CallOption) (*NotifyResponse, error) {
	out := new(NotifyResponse)
	if err := c.cc.Invoke(ctx, MethodNotify, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *relayClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, MethodHealth, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type RelayListenClient interface {
	Recv() (*Notification, error)
	grpc.ClientStream
}

type relayListenClient struct {
	grpc.ClientStream
}

func (x *relayListenClient) Recv() (*Notification, error) {
	n := new(Notification)
	if err := x.ClientStream.RecvMsg(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *relayClient) Listen(ctx context.Context, in *ListenRequest, opts ...grpc.CallOption) (RelayListenClient, error) {
	stream, err := c.cc.NewStream(ctx, &RelayServiceDesc.Streams[0], MethodListen, opts...)
	if err != nil {
		return nil, err
	}
	client := &relayListenClient{ClientStream: stream}
	if err := client.SendMsg(in); err != nil {
		return nil, err
	}
	if err := client.CloseSend(); err != nil {
		return nil, err
	}
	return client, nil
}
