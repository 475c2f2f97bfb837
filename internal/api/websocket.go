package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/logging"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeMessage     = "message"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a WebSocket client.
//
//	{"type":"subscribe","id":"1","filters":["hello/#"]}
type WSMessage struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Filters   []string `json:"filters,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Payload   any      `json:"payload,omitempty"`
}

// WSMQTTMessage is the payload of a "message" event. Payload holds UTF-8
// text; anything else is sent in PayloadBase64.
type WSMQTTMessage struct {
	Direction     mqtt.Direction `json:"direction"`
	Topic         string         `json:"topic"`
	Payload       string         `json:"payload,omitempty"`
	PayloadBase64 string         `json:"payload_base64,omitempty"`
	QoS           byte           `json:"qos"`
	Retained      bool           `json:"retained"`
	Time          string         `json:"time"`
}

// Hub manages WebSocket connections and fans received MQTT messages out
// to the clients whose filters match.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
	dropped atomic.Int64
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	filters map[string]struct{}
	mu      sync.RWMutex
	subject string
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The ticket is the credential; origin is not checked.
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", client.subject, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes the send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Publish forwards a received message to every client with a matching
// filter. Sent messages are ignored. It never blocks: a client with a
// full buffer misses the message and the drop is counted.
func (h *Hub) Publish(msg mqtt.Message) {
	if msg.Direction != mqtt.DirectionRx {
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var data []byte
	for _, client := range clients {
		if !client.matches(msg.Topic) {
			continue
		}
		if data == nil {
			var err error
			if data, err = encodeMessageEvent(msg); err != nil {
				h.logger.Error("failed to marshal message event", "error", err)
				return
			}
		}
		if !client.trySend(data) {
			h.dropped.Add(1)
		}
	}
}

func encodeMessageEvent(msg mqtt.Message) ([]byte, error) {
	ev := WSMQTTMessage{
		Direction: msg.Direction,
		Topic:     msg.Topic,
		QoS:       msg.QoS,
		Retained:  msg.Retained,
		Time:      msg.Time.UTC().Format(time.RFC3339Nano),
	}
	if utf8.Valid(msg.Payload) {
		ev.Payload = string(msg.Payload)
	} else {
		ev.PayloadBase64 = base64.StdEncoding.EncodeToString(msg.Payload)
	}
	return json.Marshal(WSMessage{
		Type:      WSTypeMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   ev,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many message events were skipped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
// Authentication is via ticket query parameter (obtained from POST /auth/ws-ticket).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	subject, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		filters: make(map[string]struct{}),
		subject: subject,
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// wsTimings holds the keepalive durations derived from the websocket
// config section.
type wsTimings struct {
	ping     time.Duration // server ping period
	deadline time.Duration // read deadline after any frame or pong
	write    time.Duration // per-frame write deadline
}

func newWSTimings(cfg config.WebSocketConfig) wsTimings {
	ping := time.Duration(cfg.PingInterval) * time.Second
	pong := time.Duration(cfg.PongTimeout) * time.Second
	return wsTimings{ping: ping, deadline: ping + pong, write: pong}
}

// readPump handles client commands until the connection fails or the
// peer stops answering pings.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	t := newWSTimings(cfg)
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(t.deadline)) }
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	c.conn.SetPongHandler(extend)
	extend("") //nolint:errcheck // a failed deadline surfaces on the next read

	for {
		_, data, err := c.conn.ReadMessage()
		switch {
		case err == nil:
		case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
			c.hub.logger.Warn("websocket read failed", "subject", c.subject, "error", err)
			return
		default:
			c.hub.logger.Debug("websocket closed", "subject", c.subject, "error", err)
			return
		}
		extend("") //nolint:errcheck // as above
		c.handleMessage(data)
	}
}

// writePump owns all writes on the connection: queued events and pings.
// It exits when send is closed or a write fails.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	t := newWSTimings(cfg)
	ticker := time.NewTicker(t.ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(t.write)) //nolint:errcheck // write below reports it
		return c.conn.WriteMessage(kind, data)
	}

	for {
		var err error
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // peer may be gone
				return
			}
			err = write(websocket.TextMessage, data)
		case <-ticker.C:
			err = write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe adds topic filters. All filters are validated before
// any is added.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	if len(msg.Filters) == 0 {
		c.sendError(msg.ID, "filters must not be empty")
		return
	}
	for _, f := range msg.Filters {
		if err := mqtt.ValidateFilter(f); err != nil {
			c.sendError(msg.ID, err.Error())
			return
		}
	}

	c.mu.Lock()
	for _, f := range msg.Filters {
		c.filters[f] = struct{}{}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "filters", msg.Filters)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": msg.Filters,
	})
}

// handleUnsubscribe removes topic filters.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	c.mu.Lock()
	for _, f := range msg.Filters {
		delete(c.filters, f)
	}
	c.mu.Unlock()

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": msg.Filters,
	})
}

// trySend queues data for the client and reports whether it was queued.
// A closed channel (client disconnected during fan-out) or a full buffer
// returns false.
func (c *WSClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// matches reports whether any of the client's filters matches topic.
func (c *WSClient) matches(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for f := range c.filters {
		if mqtt.MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

// Filters returns the client's filters, sorted.
func (c *WSClient) Filters() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.filters))
	for f := range c.filters {
		out = append(out, f)
	}
	c.mu.RUnlock()
	slices.Sort(out)
	return out
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
