package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"agentcouncil/internal/bus"
	"agentcouncil/internal/domain"
)

// HandlerFunc handles one message type. payload is already decoded into the
// type registered for msg.Type.
type HandlerFunc func(ctx context.Context, env Env, msg bus.Message, payload Payload) (any, error)

// DispatchTable maps every message type of a house to its handler.
type DispatchTable struct {
	house    domain.House
	order    []MessageType
	handlers map[MessageType]HandlerFunc
}

// NewDispatchTable validates handlers against the house catalog. A handler
// for a type the house does not own, or a house type without a handler, is
// rejected here rather than at dispatch time.
func NewDispatchTable(house domain.House, handlers map[MessageType]HandlerFunc) (*DispatchTable, error) {
	if !house.Valid() {
		return nil, fmt.Errorf("unknown house %q", house)
	}
	required := MessagesFor(house)
	allowed := make(map[MessageType]bool, len(required))
	for _, t := range required {
		allowed[t] = true
	}
	for t, h := range handlers {
		if !allowed[t] {
			return nil, fmt.Errorf("%w: house %s does not handle %s", domain.ErrUnknownMessageType, house, t)
		}
		if h == nil {
			return nil, fmt.Errorf("house %s: nil handler for %s", house, t)
		}
	}
	for _, t := range required {
		if _, ok := handlers[t]; !ok {
			return nil, fmt.Errorf("house %s: missing handler for %s", house, t)
		}
	}
	table := &DispatchTable{house: house, order: required, handlers: make(map[MessageType]HandlerFunc, len(handlers))}
	for t, h := range handlers {
		table.handlers[t] = h
	}
	return table, nil
}

// Types returns the handled types in catalog order.
func (d *DispatchTable) Types() []MessageType {
	return append([]MessageType(nil), d.order...)
}

// Dispatch decodes msg and runs its handler, encoding the result as JSON.
func (d *DispatchTable) Dispatch(ctx context.Context, env Env, msg bus.Message) (json.RawMessage, error) {
	t := MessageType(msg.Type)
	h, ok := d.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s for house %s", domain.ErrUnknownMessageType, t, d.house)
	}
	payload, err := DecodePayload(t, msg.Payload)
	if err != nil {
		return nil, err
	}
	res, err := h(ctx, env, msg, payload)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", t, err)
	}
	return data, nil
}
