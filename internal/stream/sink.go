package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("sink closed")

// Sink receives the chunks of one stream. Close delivers the terminal
// marker and must be called exactly once, after the last Send.
type Sink interface {
	Send(ctx context.Context, c Chunk) error
	Close(final Chunk)
}

// ChannelSink is a bounded buffer between the emitter and a transport.
// Transports drain it with Next.
type ChannelSink struct {
	ch        chan Chunk
	done      chan struct{}
	closeOnce sync.Once
	final     Chunk
	delivered atomic.Bool
}

// NewChannelSink creates a sink holding up to size undelivered tokens.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{
		ch:   make(chan Chunk, size),
		done: make(chan struct{}),
	}
}

// Send blocks until the chunk is buffered or ctx ends.
func (s *ChannelSink) Send(ctx context.Context, c Chunk) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close records the terminal marker. Later calls are ignored.
func (s *ChannelSink) Close(final Chunk) {
	s.closeOnce.Do(func() {
		s.final = final
		close(s.done)
	})
}

// Next returns buffered tokens in order, then the terminal marker once,
// then io.EOF.
func (s *ChannelSink) Next(ctx context.Context) (Chunk, error) {
	select {
	case c := <-s.ch:
		return c, nil
	default:
	}

	select {
	case c := <-s.ch:
		return c, nil
	case <-s.done:
		// Tokens sent before Close are still buffered.
		select {
		case c := <-s.ch:
			return c, nil
		default:
		}
		if s.delivered.CompareAndSwap(false, true) {
			return s.final, nil
		}
		return Chunk{}, io.EOF
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Closed is closed once the terminal marker has been recorded.
func (s *ChannelSink) Closed() <-chan struct{} {
	return s.done
}
