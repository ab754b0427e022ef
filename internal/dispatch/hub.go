package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Authenticator turns a bearer token into a verified identity.
type Authenticator interface {
	Verify(token string) (models.Identity, error)
}

// MessageHandler handles a message sent by a client. Returned errors are
// reported back to that client only.
type MessageHandler func(ctx context.Context, c *Client, msgType string, data json.RawMessage) error

// Envelope is the frame written to clients and read from them.
type Envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub tracks live WebSocket connections and their topic subscriptions.
// Drivers are subscribed to all-drivers and driver-<id> on connect; trip
// rooms are joined explicitly.
type Hub struct {
	auth     Authenticator
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	topics    map[string]map[*Client]struct{}
	bySubject map[string]map[*Client]struct{}
	handler   MessageHandler
	offline   func(models.Identity)
}

func NewHub(auth Authenticator, logger *slog.Logger) *Hub {
	return &Hub{
		auth: auth,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics:    make(map[string]map[*Client]struct{}),
		bySubject: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// OnOffline registers fn to run when a subject's last connection closes.
func (h *Hub) OnOffline(fn func(models.Identity)) {
	h.mu.Lock()
	h.offline = fn
	h.mu.Unlock()
}

// Client is one authenticated connection.
type Client struct {
	identity models.Identity
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub

	closeOnce sync.Once
	topics    map[string]struct{} // guarded by hub.mu
}

func (c *Client) Identity() models.Identity { return c.identity }

// Subscribe adds the client to topic.
func (c *Client) Subscribe(topic string) { c.hub.subscribe(c, topic) }

// Reply sends a frame to this client only.
func (c *Client) Reply(msgType string, data any) error {
	b, err := encode(msgType, "", data)
	if err != nil {
		return err
	}
	c.enqueue(b)
	return nil
}

func (c *Client) enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// ServeHTTP authenticates the request, upgrades it and runs the client
// until it disconnects. The token comes from the Authorization header or the
// token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	id, err := h.auth.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &Client{
		identity: id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
		topics:   make(map[string]struct{}),
	}
	h.register(c)
	_ = c.Reply("connected", map[string]any{"subjectId": id.SubjectID, "role": id.Role})

	go c.writePump()
	c.readPump(r.Context())
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	subs, ok := h.bySubject[c.identity.SubjectID]
	if !ok {
		subs = make(map[*Client]struct{})
		h.bySubject[c.identity.SubjectID] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()

	observability.WSConnections.Inc()
	if c.identity.Role == models.RoleDriver {
		observability.DriversOnline.Inc()
		h.subscribe(c, models.TopicAllDrivers)
		h.subscribe(c, models.DriverTopic(c.identity.SubjectID))
	}
	h.log.Debug("ws client registered", "subject_id", c.identity.SubjectID, "role", c.identity.Role.String())
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	for topic := range c.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	c.topics = nil
	gone := false
	if subs, ok := h.bySubject[c.identity.SubjectID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.bySubject, c.identity.SubjectID)
			gone = true
		}
	}
	offline := h.offline
	h.mu.Unlock()

	observability.WSConnections.Dec()
	if c.identity.Role == models.RoleDriver {
		observability.DriversOnline.Dec()
	}
	c.closeOnce.Do(func() { close(c.send) })
	h.log.Debug("ws client unregistered", "subject_id", c.identity.SubjectID)
	if gone && offline != nil {
		offline(c.identity)
	}
}

func (h *Hub) subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.topics == nil {
		// already unregistered
		return
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
}

// Join subscribes every live connection of subjectID to topic.
func (h *Hub) Join(subjectID, topic string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.bySubject[subjectID]))
	for c := range h.bySubject[subjectID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.subscribe(c, topic)
	}
}

// Publish writes ev to every subscriber of topic. Slow clients whose buffer
// is full miss the event.
func (h *Hub) Publish(_ context.Context, topic string, ev models.Event) error {
	b, err := encode(string(ev.Type), topic, ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		if !c.enqueue(b) {
			h.log.Warn("ws send buffer full, dropping event", "subject_id", c.identity.SubjectID, "topic", topic, "event", ev.Type)
		}
	}
	return nil
}

// Connected reports whether subjectID has at least one live connection.
func (h *Hub) Connected(subjectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySubject[subjectID]) > 0
}

func encode(msgType, topic string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Topic: topic, Data: raw})
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("ws read error", "subject_id", c.identity.SubjectID, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
			_ = c.Reply("error", map[string]string{"message": "malformed message"})
			continue
		}

		c.hub.mu.RLock()
		h := c.hub.handler
		c.hub.mu.RUnlock()
		if h == nil {
			continue
		}
		if err := h(ctx, c, env.Type, env.Data); err != nil {
			_ = c.Reply("error", map[string]string{"type": env.Type, "message": err.Error()})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
