package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trading/internal/purchase"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(hub.ServeWS))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return hub, "ws" + srv.URL[len("http"):]
}

func dial(t *testing.T, hub *Hub, url, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?user_id="+userID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := hub.Connections(context.Background(), userID)
		if err != nil {
			t.Fatalf("connections: %v", err)
		}
		if n > 0 {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("user %s never subscribed", userID)
	return nil
}

func TestHub_PushesUpdatesToOwner(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	owner := dial(t, hub, url, "u1")
	other := dial(t, hub, url, "u2")

	hub.PurchaseUpdated(context.Background(), purchase.State{
		CorrelationID: "c1",
		UserID:        "u1",
		ItemID:        "item7",
		Quantity:      2,
		Status:        purchase.StatusCompleted,
		PurchaseTotal: 5,
	})

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := owner.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		var update Update
		if err := json.Unmarshal(got, &update); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		if update.CorrelationID != "c1" || update.Status != purchase.StatusCompleted || update.Resolution != purchase.ResolutionCompleted {
			t.Fatalf("unexpected update: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatalf("update leaked to another user")
	}
}

func TestHub_RequiresUserID(t *testing.T) {
	hub := NewHub(1, nil)
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHub_DropsWhenQueueFull(t *testing.T) {
	hub := NewHub(1, nil)
	state := purchase.State{CorrelationID: "c1", UserID: "u1", Status: purchase.StatusAccepted}

	done := make(chan struct{})
	go func() {
		hub.PurchaseUpdated(context.Background(), state)
		hub.PurchaseUpdated(context.Background(), state)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PurchaseUpdated blocked without a running hub")
	}
	if len(hub.broadcast) != 1 {
		t.Fatalf("expected one queued update, got %d", len(hub.broadcast))
	}
}

func TestHub_UnsubscribesClosedSockets(t *testing.T) {
	t.Parallel()

	hub, url := startHub(t)
	conn := dial(t, hub, url, "u1")
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := hub.Connections(context.Background(), "u1")
		if err != nil {
			t.Fatalf("connections: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("closed socket was never unsubscribed")
}
