package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agentcouncil/internal/domain"
	"agentcouncil/internal/orchestrator"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBuffer = 256
)

const (
	streamMessageEvent       = "event"
	streamMessageSubscribe   = "subscribe"
	streamMessageUnsubscribe = "unsubscribe"
	streamMessagePing        = "ping"
	streamMessagePong        = "pong"
	streamMessageError       = "error"
)

// StreamMessage is the frame exchanged on /events/ws.
type StreamMessage struct {
	Type      string               `json:"type"`
	Event     *domain.CouncilEvent `json:"event,omitempty"`
	Events    []string             `json:"events,omitempty"`
	Error     string               `json:"error,omitempty"`
	Timestamp string               `json:"timestamp"`
}

type eventStream struct {
	council  *orchestrator.Council
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newEventStream(c *orchestrator.Council, logger *slog.Logger) *eventStream {
	return &eventStream{
		council: c,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu        sync.RWMutex
	filter    eventFilter
	projectID string
}

// handle upgrades the request and streams council events until the peer
// goes away. ?events=task:*,signoff:approved narrows the stream and
// ?project_id= scopes it to one project.
func (s *eventStream) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	cl := &streamClient{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    s.logger,
		filter:    newEventFilter(splitList(r.URL.Query().Get("events"))),
		projectID: r.URL.Query().Get("project_id"),
	}
	unsub := s.council.OnEvent(cl.deliver)
	actor := ""
	if p, ok := principalFromContext(r.Context()); ok {
		actor = p.ActorID
	}
	s.logger.Debug("event stream connected", "actor_id", actor)

	go cl.writePump()
	cl.readPump()
	unsub()
	cl.close()
	s.logger.Debug("event stream closed", "actor_id", actor)
}

func (c *streamClient) deliver(evt domain.CouncilEvent) {
	c.mu.RLock()
	ok := c.filter.match(evt.Type) && (c.projectID == "" || c.projectID == evt.ProjectID)
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.enqueue(StreamMessage{Type: streamMessageEvent, Event: &evt})
}

func (c *streamClient) enqueue(msg StreamMessage) {
	if msg.Timestamp == "" {
		msg.Timestamp = domain.FormatTime(time.Now())
	}
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encode stream message", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.logger.Warn("event stream buffer full, dropping message", "type", msg.Type)
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("event stream read", "error", err)
			}
			return
		}
		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(StreamMessage{Type: streamMessageError, Error: "invalid message"})
			continue
		}
		switch msg.Type {
		case streamMessageSubscribe:
			c.mu.Lock()
			c.filter = c.filter.with(msg.Events)
			c.mu.Unlock()
		case streamMessageUnsubscribe:
			c.mu.Lock()
			c.filter = c.filter.without(msg.Events)
			c.mu.Unlock()
		case streamMessagePing:
			c.enqueue(StreamMessage{Type: streamMessagePong})
		default:
			c.enqueue(StreamMessage{Type: streamMessageError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// eventFilter matches council event names. An empty filter matches all
// unless every pattern was unsubscribed. "task:*" matches every task event.
type eventFilter struct {
	patterns []string
	none     bool
}

func newEventFilter(patterns []string) eventFilter {
	var out []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return eventFilter{patterns: out}
}

func (f eventFilter) match(event string) bool {
	if len(f.patterns) == 0 {
		return !f.none
	}
	for _, p := range f.patterns {
		switch {
		case p == "*", p == event:
			return true
		case strings.HasSuffix(p, "*") && strings.HasPrefix(event, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

func (f eventFilter) with(patterns []string) eventFilter {
	return newEventFilter(append(append([]string{}, f.patterns...), patterns...))
}

func (f eventFilter) without(patterns []string) eventFilter {
	drop := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		drop[strings.TrimSpace(p)] = true
	}
	var keep []string
	for _, p := range f.patterns {
		if !drop[p] {
			keep = append(keep, p)
		}
	}
	return eventFilter{patterns: keep, none: len(keep) == 0}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
