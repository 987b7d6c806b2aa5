package transport

import (
	"context"
	"io"
	"sync"
)

const pipeBuffer = 64

// PipeEnd is one side of an in-memory, natively framed transport.
type PipeEnd struct {
	in   <-chan []byte
	out  chan<- []byte
	self *pipeState
	peer *pipeState
}

type pipeState struct {
	done chan struct{}
	once sync.Once
}

func (s *pipeState) close() { s.once.Do(func() { close(s.done) }) }

// NewPipe returns two connected endpoints.
func NewPipe() (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	a := &pipeState{done: make(chan struct{})}
	b := &pipeState{done: make(chan struct{})}
	return &PipeEnd{in: ba, out: ab, self: a, peer: b},
		&PipeEnd{in: ab, out: ba, self: b, peer: a}
}

func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.self.done:
		return ErrClosed
	case <-p.peer.done:
		return io.ErrClosedPipe
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.self.done:
		return ErrClosed
	case <-p.peer.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	// Frames already sent are delivered before the peer's close is seen.
	select {
	case b := <-p.in:
		return b, nil
	default:
	}
	select {
	case b := <-p.in:
		return b, nil
	case <-p.self.done:
		return nil, ErrClosed
	case <-p.peer.done:
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeEnd) Close() error {
	p.self.close()
	return nil
}
