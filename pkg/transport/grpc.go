package transport

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"teamtrust/pkg/connection"
)

const (
	syncService = "teamtrust.Sync"
	syncMethod  = "/teamtrust.Sync/Connect"

	// closeGrace bounds how long a closing client waits for the server to
	// end the stream, so that the last frames are delivered
	closeGrace = time.Second
)

// SyncServer handles peers connecting over gRPC
type SyncServer interface {
	Connect(stream grpc.ServerStream) error
}

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: syncService,
	HandlerType: (*SyncServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "teamtrust/sync.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncServer).Connect(stream)
}

type syncServer struct {
	accept Acceptor
	logger *zap.Logger
}

// RegisterSyncServer exposes the sync stream on s. Every stream opened by a
// peer is handed to accept as a transport.
func RegisterSyncServer(s *grpc.Server, accept Acceptor, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s.RegisterService(&syncServiceDesc, &syncServer{accept: accept, logger: logger})
}

func (s *syncServer) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	t := newFramed(&grpcFrames{stream: stream}, s.logger)
	s.accept(ctx, t)

	// The stream lives as long as this handler
	select {
	case <-t.Done():
	case <-ctx.Done():
	case <-t.readDone:
		// Give the local side a moment to answer a peer that hung up
		select {
		case <-t.Done():
		case <-time.After(closeGrace):
		}
	}
	t.Close()
	return nil
}

// Dial opens a sync stream to the peer at addr. Without options the
// connection is insecure.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (connection.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &syncServiceDesc.Streams[0], syncMethod)
	stop()
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open sync stream to %s: %w", addr, err)
	}

	f := &grpcFrames{stream: stream, conn: conn, cancel: cancel}
	t := newFramed(f, logger.With(zap.String("peer", addr)))
	f.readDone = t.readDone
	return t, nil
}

// msgStream is the part of a gRPC stream both ends share
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcFrames struct {
	stream msgStream

	// client side only
	conn     *grpc.ClientConn
	cancel   context.CancelFunc
	readDone <-chan struct{}
}

func (f *grpcFrames) read() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := f.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (f *grpcFrames) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return fmt.Errorf("%w: %v", connection.ErrTransportClosed, err)
	}
	return nil
}

func (f *grpcFrames) shutdown() error {
	cs, ok := f.stream.(grpc.ClientStream)
	if !ok {
		// the server handler returns once the transport is closed
		return nil
	}
	if err := cs.CloseSend(); err != nil {
		f.cancel()
		return f.conn.Close()
	}
	go func() {
		select {
		case <-f.readDone:
		case <-time.After(closeGrace):
		}
		f.cancel()
		f.conn.Close()
	}()
	return nil
}
