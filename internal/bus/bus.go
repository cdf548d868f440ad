// Package bus is the in-process message bus the council agents talk over.
// Topics fan out to subscribers; agent endpoints answer point-to-point
// requests.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcouncil/internal/domain"
)

const defaultRequestTimeout = 30 * time.Second

type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Topic         string          `json:"topic,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", domain.ErrInvalidPayload, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, m.Type, err)
	}
	return nil
}

// Handler consumes published messages. Errors are logged, never propagated
// to the publisher.
type Handler func(ctx context.Context, msg Message) error

// Endpoint answers requests addressed to one agent.
type Endpoint func(ctx context.Context, msg Message) (json.RawMessage, error)

type Options struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextSub   uint64
	endpoints map[string]*endpoint
	closed    bool

	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

type endpoint struct {
	fn   Endpoint
	gone chan struct{}
}

func New(opts Options) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*subscription),
		endpoints: make(map[string]*endpoint),
		timeout:   opts.RequestTimeout,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if b.timeout <= 0 {
		b.timeout = defaultRequestTimeout
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Matches reports whether a subscription pattern covers topic. A trailing
// '*' matches by prefix, a bare '*' matches everything.
func Matches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

type PublishOption func(*Message)

func From(agentID string) PublishOption {
	return func(m *Message) { m.From = agentID }
}

func Correlate(id string) PublishOption {
	return func(m *Message) { m.CorrelationID = id }
}

// Publish delivers a message to every subscriber whose pattern matches topic.
// Each subscriber sees messages in publish order.
func (b *Bus) Publish(ctx context.Context, topic, msgType string, payload any, opts ...PublishOption) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Topic:     topic,
		Payload:   raw,
		Timestamp: b.now(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return b.PublishMessage(ctx, msg)
}

// PublishMessage delivers a fully formed message.
func (b *Bus) PublishMessage(_ context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrBusClosed
	}
	for _, sub := range b.subs {
		if Matches(sub.pattern, msg.Topic) {
			sub.box.push(msg)
		}
	}
	return nil
}

// Subscribe registers handler for topics matching pattern and returns a
// function that removes the subscription. Pending deliveries are dropped.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	sub := &subscription{
		pattern: pattern,
		handler: handler,
		box:     newMailbox(),
		logger:  b.logger.With("pattern", pattern),
	}
	b.subs[id] = sub
	b.mu.Unlock()
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.box.close()
		})
	}
}

// Register binds an agent id to its request endpoint, replacing any
// previous binding.
func (b *Bus) Register(agentID string, fn Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.endpoints[agentID]; ok {
		close(prev.gone)
	}
	b.endpoints[agentID] = &endpoint{fn: fn, gone: make(chan struct{})}
}

// Unregister removes the agent endpoint. Requests waiting on it fail with
// ErrAgentNotFound.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[agentID]; ok {
		close(ep.gone)
		delete(b.endpoints, agentID)
	}
}

// HasEndpoint reports whether agentID can currently receive requests.
func (b *Bus) HasEndpoint(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.endpoints[agentID]
	return ok
}

// Request sends msg to one agent and waits for its reply. The wait is bounded
// by the context deadline, or by the bus request timeout when ctx has none.
func (b *Bus) Request(ctx context.Context, targetID string, msg Message) (json.RawMessage, error) {
	b.mu.RLock()
	ep, ok := b.endpoints[targetID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, domain.ErrBusClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, targetID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}
	msg.To = targetID

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	type reply struct {
		data json.RawMessage
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("request handler panicked", "agent", targetID, "type", msg.Type, "panic", r, "stack", string(debug.Stack()))
				done <- reply{err: fmt.Errorf("agent %s panicked handling %s: %v", targetID, msg.Type, r)}
			}
		}()
		data, err := ep.fn(ctx, msg)
		done <- reply{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ep.gone:
		return nil, fmt.Errorf("%w: %s unregistered during request", domain.ErrAgentNotFound, targetID)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s %s", domain.ErrRequestTimeout, targetID, msg.Type)
		}
		return nil, ctx.Err()
	}
}

// Close stops every subscription. Later publishes and requests fail with
// ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.box.close()
		delete(b.subs, id)
	}
	for id, ep := range b.endpoints {
		close(ep.gone)
		delete(b.endpoints, id)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return data, nil
	}
}
