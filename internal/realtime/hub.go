package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trading/internal/purchase"
)

const writeWait = 5 * time.Second

// Update is pushed to a user's sockets whenever one of their purchases moves.
type Update struct {
	CorrelationID string              `json:"correlationId"`
	ItemID        string              `json:"itemId"`
	Quantity      int                 `json:"quantity"`
	Status        purchase.Status     `json:"status"`
	Resolution    purchase.Resolution `json:"resolution"`
	ErrorReason   string              `json:"errorReason,omitempty"`
	PurchaseTotal float64             `json:"purchaseTotal"`
	LastUpdated   time.Time           `json:"lastUpdated"`
}

type subscription struct {
	userID string
	conn   *websocket.Conn
}

type message struct {
	userID  string
	payload []byte
}

type countRequest struct {
	userID string
	reply  chan int
}

// Hub keeps WebSocket subscriptions per user and pushes purchase updates to them.
type Hub struct {
	subscribers map[string]map[*websocket.Conn]struct{}
	register    chan subscription
	unregister  chan subscription
	broadcast   chan message
	counts      chan countRequest
	done        chan struct{}
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// NewHub constructs a Hub. buffer bounds how many updates may queue before new ones are dropped.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[string]map[*websocket.Conn]struct{}),
		register:    make(chan subscription),
		unregister:  make(chan subscription),
		broadcast:   make(chan message, buffer),
		counts:      make(chan countRequest),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run processes register, unregister and broadcast events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case sub := <-h.register:
			conns, ok := h.subscribers[sub.userID]
			if !ok {
				conns = make(map[*websocket.Conn]struct{})
				h.subscribers[sub.userID] = conns
			}
			conns[sub.conn] = struct{}{}
		case sub := <-h.unregister:
			h.drop(sub)
		case req := <-h.counts:
			req.reply <- len(h.subscribers[req.userID])
		case msg := <-h.broadcast:
			for conn := range h.subscribers[msg.userID] {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg.payload); err != nil {
					h.logger.Debug("websocket write failed", zap.String("user_id", msg.userID), zap.Error(err))
					h.drop(subscription{userID: msg.userID, conn: conn})
				}
			}
		}
	}
}

// Connections reports how many sockets are subscribed for userID.
func (h *Hub) Connections(ctx context.Context, userID string) (int, error) {
	req := countRequest{userID: userID, reply: make(chan int, 1)}
	select {
	case h.counts <- req:
	case <-h.done:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return <-req.reply, nil
}

func (h *Hub) drop(sub subscription) {
	conns, ok := h.subscribers[sub.userID]
	if !ok {
		return
	}
	if _, ok := conns[sub.conn]; !ok {
		return
	}
	delete(conns, sub.conn)
	if len(conns) == 0 {
		delete(h.subscribers, sub.userID)
	}
	_ = sub.conn.Close()
}

func (h *Hub) closeAll() {
	for userID, conns := range h.subscribers {
		for conn := range conns {
			_ = conn.Close()
		}
		delete(h.subscribers, userID)
	}
}

// PurchaseUpdated queues an update for the purchase owner. It never blocks the caller:
// when the queue is full the update is dropped and clients can poll the query API.
func (h *Hub) PurchaseUpdated(_ context.Context, state purchase.State) {
	payload, err := json.Marshal(Update{
		CorrelationID: state.CorrelationID,
		ItemID:        state.ItemID,
		Quantity:      state.Quantity,
		Status:        state.Status,
		Resolution:    purchase.Resolve(state.Status),
		ErrorReason:   state.ErrorReason,
		PurchaseTotal: state.PurchaseTotal,
		LastUpdated:   state.LastUpdated,
	})
	if err != nil {
		h.logger.Warn("encode purchase update", zap.String("correlation_id", state.CorrelationID), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message{userID: state.UserID, payload: payload}:
	default:
		h.logger.Warn("purchase update dropped",
			zap.String("correlation_id", state.CorrelationID),
			zap.String("user_id", state.UserID),
		)
	}
}

// ServeWS upgrades the request and subscribes the socket to the user named by the user_id query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := subscription{userID: userID, conn: conn}
	select {
	case h.register <- sub:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	case <-h.done:
		_ = conn.Close()
		return
	}

	// Clients only listen; reading detects the close frame.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				select {
				case h.unregister <- sub:
				case <-h.done:
				}
				return
			}
		}
	}()
}
