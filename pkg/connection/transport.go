package connection

import (
	"context"
	"errors"
	"sync"
)

// Transport is a bidirectional message channel to one peer. The inbound
// channel is closed when the channel to the peer goes away.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Inbound() <-chan []byte
	Close() error
}

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrBackpressure    = errors.New("transport buffer full")
)

const pipeBuffer = 1024

type pipe struct {
	mu     sync.Mutex
	closed bool
	a, b   chan []byte
}

type pipeEnd struct {
	p       *pipe
	in, out chan []byte
}

// NewPipe returns the two ends of an in-process transport. Closing either
// end closes both.
func NewPipe() (Transport, Transport) {
	p := &pipe{a: make(chan []byte, pipeBuffer), b: make(chan []byte, pipeBuffer)}
	return &pipeEnd{p: p, in: p.a, out: p.b}, &pipeEnd{p: p, in: p.b, out: p.a}
}

func (e *pipeEnd) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if e.p.closed {
		return ErrTransportClosed
	}
	select {
	case e.out <- append([]byte(nil), data...):
		return nil
	default:
		return ErrBackpressure
	}
}

func (e *pipeEnd) Inbound() <-chan []byte { return e.in }

func (e *pipeEnd) Close() error {
	e.p.mu.Lock()
	defer e.p.mu.Unlock()
	if !e.p.closed {
		e.p.closed = true
		close(e.p.a)
		close(e.p.b)
	}
	return nil
}
