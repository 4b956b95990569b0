package stream

import "sync"

// Signal is a one-shot cancellation flag. Once set it stays set.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Cancel sets the signal. Calling it more than once is harmless.
func (s *Signal) Cancel() {
	s.once.Do(func() { close(s.ch) })
}

// Requested reports whether Cancel has been called.
func (s *Signal) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done is closed when the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}
