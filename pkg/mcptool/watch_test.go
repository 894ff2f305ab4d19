package mcptool

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lwgray/marcus/pkg/bus"
)

// TestWatchStreamDeliversEvents verifies a connected client receives
// published system events as JSON text frames.
func TestWatchStreamDeliversEvents(t *testing.T) {
	publisher := bus.NewMessageBus()
	hub := NewWatchHub(publisher, "test-watch")
	go hub.Run()
	defer publisher.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub a beat to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	publisher.Publish(bus.SystemEvent{Type: "task.reclaimed", Source: "leasemonitor"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "task.reclaimed") {
		t.Errorf("unexpected frame %s", msg)
	}
}
