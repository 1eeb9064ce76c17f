package api

import (
	"net/http"
	"sync"
	"time"

	"trade-ledger-go/internal/ledger"
	"trade-ledger-go/internal/trader"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Event types pushed to websocket clients.
const (
	EventTradeStarted  = "trade_started"
	EventTradeSettled  = "trade_settled"
	EventTradeRefunded = "trade_refunded"
)

// Event is one trade lifecycle message.
type Event struct {
	Type       string              `json:"type"`
	Time       time.Time           `json:"time"`
	Settlement *ledger.Settlement  `json:"settlement,omitempty"`
	Trade      *ledger.TradeRecord `json:"trade,omitempty"`
	Error      string              `json:"error,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub fans trade events out to the websocket connections of each user.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

var _ trader.Notifier = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The SPA is served from a different origin than the API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]struct{}),
	}
}

// TradeStarted implements trader.Notifier.
func (h *Hub) TradeStarted(userID string, s ledger.Settlement) {
	h.publish(userID, Event{Type: EventTradeStarted, Settlement: &s})
}

// TradeSettled implements trader.Notifier.
func (h *Hub) TradeSettled(userID string, t ledger.TradeRecord) {
	h.publish(userID, Event{Type: EventTradeSettled, Trade: &t})
}

// TradeRefunded implements trader.Notifier.
func (h *Hub) TradeRefunded(userID string, s ledger.Settlement, cause error) {
	e := Event{Type: EventTradeRefunded, Settlement: &s}
	if cause != nil {
		e.Error = cause.Error()
	}
	h.publish(userID, e)
}

func (h *Hub) publish(userID string, e Event) {
	e.Time = time.Now().UTC()
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping event for slow client", zap.String("user_id", userID), zap.String("type", e.Type))
		}
	}
}

// Clients returns the number of connections of a user.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and streams the user's events until the
// connection closes. Browsers cannot set headers on websocket requests, so the
// user id is also read from the user_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		http.Error(w, ledger.ErrUnauthenticated.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), userID: userID}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	WebsocketClients.Inc()
	h.logger.Debug("Client connected", zap.String("user_id", c.userID))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	WebsocketClients.Dec()
	h.logger.Debug("Client disconnected", zap.String("user_id", c.userID))
}

// readPump discards client messages and keeps the pong deadline alive.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*client, 0)
	for _, cs := range h.clients {
		for c := range cs {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.conn.Close()
	}
}
