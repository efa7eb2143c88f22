package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/pointsmarket/internal/metrics"
	"github.com/atmx/pointsmarket/internal/model"
)

// WebSocket message types.
const (
	MsgBetPlaced      = "bet_placed"
	MsgMarketResolved = "market_resolved"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type         string          `json:"type"`
	MarketID     string          `json:"market_id"`
	YesStake     int64           `json:"yes_stake"`
	NoStake      int64           `json:"no_stake"`
	ImpliedPrice decimal.Decimal `json:"implied_price"`
	Side         model.Side      `json:"side,omitempty"`
	Stake        int64           `json:"stake,omitempty"`
	Outcome      *model.Side     `json:"outcome,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// WSHub manages WebSocket connections and broadcasts pool changes and
// resolutions to every connected client.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled, closing
// every remaining connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast queues a message for every connected client.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking bet placement.
	}
}

// BetPlaced announces a pool change.
func (h *WSHub) BetPlaced(bet *model.Bet, pool model.Pool) {
	h.Broadcast(WSMessage{
		Type:         MsgBetPlaced,
		MarketID:     bet.MarketID,
		YesStake:     pool.YesStake,
		NoStake:      pool.NoStake,
		ImpliedPrice: pool.ImpliedPrice(),
		Side:         bet.Side,
		Stake:        bet.Stake,
		Timestamp:    bet.CreatedAt,
	})
}

// MarketResolved announces a resolution with its frozen pool.
func (h *WSHub) MarketResolved(m *model.Market) {
	pool := m.SettlementPool()
	ts := time.Now().UTC()
	if m.ResolvedAt != nil {
		ts = *m.ResolvedAt
	}
	h.Broadcast(WSMessage{
		Type:         MsgMarketResolved,
		MarketID:     m.ID,
		YesStake:     pool.YesStake,
		NoStake:      pool.NoStake,
		ImpliedPrice: pool.ImpliedPrice(),
		Outcome:      m.Outcome,
		Timestamp:    ts,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
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
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
