package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// mailbox is an unbounded FIFO so a slow subscriber never blocks publishers.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	select {
	case m.signal <- struct{}{}:
	default:
	}
	m.mu.Unlock()
}

// pop blocks until a message is queued or the mailbox closes.
func (m *mailbox) pop() (Message, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Message{}, false
		}
		if len(m.queue) > 0 {
			msg := m.queue[0]
			m.queue[0] = Message{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, true
		}
		m.mu.Unlock()
		<-m.signal
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	close(m.signal)
	m.mu.Unlock()
}

type subscription struct {
	pattern string
	handler Handler
	box     *mailbox
	logger  *slog.Logger
}

func (s *subscription) run() {
	for {
		msg, ok := s.box.pop()
		if !ok {
			return
		}
		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "topic", msg.Topic, "type", msg.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := s.handler(context.Background(), msg); err != nil {
		s.logger.Warn("subscriber failed", "topic", msg.Topic, "type", msg.Type, "err", err)
	}
}
