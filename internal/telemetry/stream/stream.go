// Package stream serves telemetry snapshots over a gRPC server stream.
//
// The service is rover.Telemetry/Subscribe: an empty request followed by one
// google.protobuf.Struct per snapshot, in the same shape as the websocket
// JSON. Each stream registers as an ordinary telemetry subscriber, so a
// stream that cannot keep up is dropped like any other.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MaxParisotto/bbb-websocket/internal/monitoring"
	"github.com/MaxParisotto/bbb-websocket/internal/registry"
)

const (
	serviceName    = "rover.Telemetry"
	subscribeName  = "Subscribe"
	subscribeRoute = "/" + serviceName + "/" + subscribeName
)

var errDropped = errors.New("telemetry subscriber closed")

// TelemetryServer is the server API for rover.Telemetry.
type TelemetryServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes rover.Telemetry for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TelemetryServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    subscribeName,
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "rover/telemetry.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Subscribe(req, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Registrar is the part of the registry a stream registers with.
type Registrar interface {
	AddTelemetry(registry.Subscriber) string
	Remove(id string) bool
}

// Server implements TelemetryServer.
type Server struct {
	reg Registrar
}

// NewServer returns a Server registering streams with reg.
func NewServer(reg Registrar) *Server {
	return &Server{reg: reg}
}

// Register adds the service to s.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Serve runs a gRPC server on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.Register(gs)

	errc := make(chan error, 1)
	go func() {
		monitoring.Printf("[stream] gRPC telemetry listening on %s", lis.Addr())
		errc <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

func (s *Server) Subscribe(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	box := newMailbox()
	id := s.reg.AddTelemetry(box)
	defer s.reg.Remove(id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-box.done:
			return status.Error(codes.Unavailable, "telemetry stream dropped")
		case msg := <-box.ch:
			snap := &structpb.Struct{}
			if err := protojson.Unmarshal(msg, snap); err != nil {
				return status.Errorf(codes.Internal, "decode snapshot: %v", err)
			}
			if err := stream.Send(snap); err != nil {
				return err
			}
		}
	}
}

// mailbox is the registry side of one stream. It holds at most one pending
// snapshot, so a stream that falls behind blocks Send until the broadcast
// timeout removes it.
type mailbox struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{ch: make(chan []byte, 1), done: make(chan struct{})}
}

func (m *mailbox) Send(ctx context.Context, msg []byte) error {
	select {
	case <-m.done:
		return errDropped
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-m.done:
		return errDropped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Subscribe opens a telemetry stream on cc.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cs, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], subscribeRoute, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}
	return x, nil
}
