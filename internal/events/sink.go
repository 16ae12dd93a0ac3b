package events

import "sync"

// ChannelSink delivers messages over a buffered channel. Close marks the
// consumer gone; subsequent sends fail with ErrSinkClosed, which the bus
// treats as an unsubscribe.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan any
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan any, buffer)}
}

// C exposes the receive side.
func (s *ChannelSink) C() <-chan any { return s.ch }

// Send queues msg for the consumer. A full buffer also fails: a consumer
// that stopped reading is indistinguishable from one that went away.
func (s *ChannelSink) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return ErrSinkClosed
	}
}

// Close marks the sink closed and releases the channel.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
