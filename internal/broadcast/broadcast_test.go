package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) StatusEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StatusEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestClientGetsCurrentStateOnConnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Observe(false)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	if ev := readEvent(t, conn); ev.Response != StateOffline {
		t.Fatalf("greeting = %q, want %q", ev.Response, StateOffline)
	}
}

func TestOnlyTransitionsAreBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Observe(true)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	if ev := readEvent(t, conn); ev.Response != StateOnline {
		t.Fatalf("greeting = %q, want %q", ev.Response, StateOnline)
	}

	// Repeats of the same state must not produce frames; the next frame
	// the client sees is the offline flip.
	hub.Observe(true)
	hub.Observe(true)
	hub.Observe(false)

	if ev := readEvent(t, conn); ev.Response != StateOffline {
		t.Fatalf("event = %q, want %q", ev.Response, StateOffline)
	}

	hub.Observe(true)
	if ev := readEvent(t, conn); ev.Response != StateOnline {
		t.Fatalf("event = %q, want %q", ev.Response, StateOnline)
	}
}

func TestCurrentDefaultsToOnline(t *testing.T) {
	hub := NewHub(zap.NewNop())
	if got := hub.Current(); got != StateOnline {
		t.Fatalf("current = %q, want %q", got, StateOnline)
	}
	hub.Observe(false)
	if got := hub.Current(); got != StateOffline {
		t.Fatalf("current = %q, want %q", got, StateOffline)
	}
}
