package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"caravel/internal/messaging"
	"caravel/internal/saga"
)

func TestHub_BroadcastTransition_Encodes(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	txn, err := saga.NewTransaction("req-1", messaging.OrderData{Quantity: 1, TotalAmount: 10})
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	txn.Status = saga.StatusInProgress
	txn.CurrentStep = 1

	go hub.BroadcastTransition(txn)

	select {
	case msg := <-hub.Broadcast:
		var update StatusUpdate
		if err := json.Unmarshal(msg, &update); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		if update.SagaID != txn.ID.String() || update.Status != "in_progress" || update.CurrentStep != 1 {
			t.Fatalf("update = %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for transition broadcast")
	}
}

func TestHub_Broadcast(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	go hub.Run()

	upgrader := websocket.Upgrader{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		hub.Register <- conn
	}))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	msg := []byte("hello world")
	select {
	case hub.Broadcast <- msg:
	case <-time.After(time.Second):
		t.Fatalf("timed out sending to hub")
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		if string(got) != string(msg) {
			t.Fatalf("expected %q, got %q", msg, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}
