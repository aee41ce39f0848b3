// Package transport carries connection messages over the network: a
// bidirectional gRPC stream between peers, and WebSockets for clients that
// cannot speak gRPC.
package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"teamtrust/pkg/connection"
)

const inboundBuffer = 256

// Acceptor takes over a transport opened by a remote peer. It must not
// block; the transport stays open until it is closed or the peer goes away.
type Acceptor func(ctx context.Context, t connection.Transport)

// frames is what a concrete channel provides to the shared transport
type frames interface {
	read() ([]byte, error)
	write(ctx context.Context, data []byte) error
	// shutdown releases the channel; called once
	shutdown() error
}

// framed adapts a frame channel to connection.Transport. A single reader
// goroutine feeds the inbound channel and closes it when reading fails.
type framed struct {
	f       frames
	logger  *zap.Logger
	inbound chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
	readDone  chan struct{}
}

func newFramed(f frames, logger *zap.Logger) *framed {
	t := &framed{
		f:        f,
		logger:   logger,
		inbound:  make(chan []byte, inboundBuffer),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *framed) readLoop() {
	defer close(t.readDone)
	defer close(t.inbound)
	for {
		data, err := t.f.read()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Debug("Transport read ended", zap.Error(err))
			}
			return
		}
		select {
		case t.inbound <- data:
		case <-t.closed:
			return
		}
	}
}

func (t *framed) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return connection.ErrTransportClosed
	default:
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.f.write(ctx, data)
}

func (t *framed) Inbound() <-chan []byte { return t.inbound }

func (t *framed) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		t.closeErr = t.f.shutdown()
		t.writeMu.Unlock()
	})
	return t.closeErr
}

// Done is closed once the transport has been closed locally
func (t *framed) Done() <-chan struct{} { return t.closed }
