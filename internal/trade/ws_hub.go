// Package trade: WebSocket hub broadcasting committed orders.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string      `json:"type"`
	TransactionID string      `json:"transaction_id"`
	AccountID     string      `json:"account_id"`
	Symbol        string      `json:"symbol"`
	Side          ledger.Side `json:"side"`
	Shares        int64       `json:"shares"`
	Price         string      `json:"price"`
	Cash          string      `json:"cash"`
	Timestamp     time.Time   `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts a message to every
// connected client when an order commits. Only Run writes to connections.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex

	origins  []string
	upgrader websocket.Upgrader
}

// NewWSHub creates a new WebSocket hub. Browser upgrades are accepted from
// the same host or from one of allowedOrigins; "*" allows any origin.
func NewWSHub(allowedOrigins []string) *WSHub {
	h := &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		origins:    allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin runs on every upgrade. CORS headers do not apply to WebSocket
// handshakes, so the allow-list is enforced here.
func (h *WSHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser.
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Run starts the hub's event loop and blocks until ctx is done, then closes
// every connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				h.dropLocked(conn)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(conn)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.writeAll(websocket.TextMessage, msg)

		case <-ticker.C:
			// Keep connections alive through proxies.
			h.writeAll(websocket.PingMessage, nil)
		}
	}
}

func (h *WSHub) writeAll(messageType int, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(messageType, data); err != nil {
			h.dropLocked(conn)
		}
	}
}

func (h *WSHub) dropLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order execution.
		slog.Warn("ws broadcast dropped", "type", msg.Type)
	}
}

// OrderCommitted implements ledger.Notifier.
func (h *WSHub) OrderCommitted(r ledger.Receipt) {
	h.Broadcast(WSMessage{
		Type:          "order_committed",
		TransactionID: r.Transaction.ID,
		AccountID:     r.Transaction.AccountID,
		Symbol:        r.Transaction.Symbol,
		Side:          r.Side,
		Shares:        r.Transaction.Shares,
		Price:         r.Transaction.Price.String(),
		Cash:          r.Cash.String(),
		Timestamp:     r.Transaction.Timestamp,
	})
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "origin", r.Header.Get("Origin"), "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
