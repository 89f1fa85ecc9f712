// Package notify broadcasts wallet and settlement events to connected
// WebSocket clients in real time. It has no bearing on financial
// correctness — every event it emits is a side effect of a write that has
// already committed — so a dropped or delayed notification never risks the
// ledger's invariants.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerpush/chally-core/internal/metrics"
)

// Event is a JSON message pushed to WebSocket clients.
type Event struct {
	Type        string    `json:"type"`
	UserID      string    `json:"user_id,omitempty"`
	ChallengeID string    `json:"challenge_id,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Balance     int64     `json:"balance,omitempty"`
}

const (
	EventDepositCredited   = "deposit_credited"
	EventWithdrawalSettled = "withdrawal_settled"
	EventChallengeSettled  = "challenge_settled"
	EventChallengeJoined   = "challenge_joined"
)

// Hub manages WebSocket connections and fans out events to every client
// subscribed to a given user ID.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]uuid.UUID // conn -> subscribed user
	broadcast  chan targetedEvent
	register   chan clientRegistration
	unregister chan *websocket.Conn
}

type clientRegistration struct {
	conn   *websocket.Conn
	userID uuid.UUID
}

type targetedEvent struct {
	userID uuid.UUID
	data   []byte
}

// NewHub creates a Hub. Run must be called in a goroutine before use.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]uuid.UUID),
		broadcast:  make(chan targetedEvent, 256),
		register:   make(chan clientRegistration),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = reg.userID
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("notify client connected", "user_id", reg.userID, "total", len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				metrics.WebSocketClients.Dec()
			}
			h.mu.Unlock()

		case evt := <-h.broadcast:
			h.mu.Lock()
			for conn, userID := range h.clients {
				if userID != evt.userID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, evt.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
					metrics.WebSocketClients.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends event to every client currently subscribed to userID. It
// never blocks the caller: if the broadcast buffer is full the event is
// dropped, since a missed live update is recovered on the client's next
// GET /wallet poll.
func (h *Hub) Publish(userID uuid.UUID, event Event) {
	event.UserID = userID.String()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- targetedEvent{userID: userID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades an authenticated request to a WebSocket subscribed to
// userID's events. userID is expected to already be resolved by the auth
// middleware before this handler runs.
func (h *Hub) HandleWS(userID uuid.UUID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("ws upgrade failed", "err", err)
			return
		}

		h.register <- clientRegistration{conn: conn, userID: userID}

		go func() {
			defer func() { h.unregister <- conn }()
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
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}()
	}
}
