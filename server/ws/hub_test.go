package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/conductor/events"
)

func newTestHub(t *testing.T, snapshot events.SnapshotFunc) (*Hub, *events.Bus, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(snapshot, logger)
	hub := NewHub(bus, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream/{taskId}", hub.ServeStream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	return hub, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, taskID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/stream/"+taskID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal %q: %v", msg, err)
	}
	return ev
}

func TestStreamDeliversSnapshotThenLiveEvents(t *testing.T) {
	_, bus, wsURL := newTestHub(t, func(taskID string) (events.Event, bool) {
		return events.New("task:state", taskID, map[string]string{"status": "pending"}), true
	})

	conn := dial(t, wsURL, "t1")

	first := readEvent(t, conn)
	if first.Type != "task:state" || first.TaskID != "t1" {
		t.Fatalf("first frame = %+v, want task:state for t1", first)
	}

	bus.Publish(events.New("task:started", "t1", nil))
	second := readEvent(t, conn)
	if second.Type != "task:started" {
		t.Fatalf("second frame = %+v, want task:started", second)
	}
}

func TestStreamGlobalTopicSkipsSnapshot(t *testing.T) {
	_, bus, wsURL := newTestHub(t, func(taskID string) (events.Event, bool) {
		t.Errorf("snapshot requested for %q", taskID)
		return events.Event{}, false
	})

	conn := dial(t, wsURL, events.GlobalTopic)

	bus.PublishGlobal(events.New("trash:emptied", "ignored", nil))
	ev := readEvent(t, conn)
	if ev.Type != "trash:emptied" || ev.TaskID != events.GlobalTopic {
		t.Fatalf("frame = %+v", ev)
	}
}

func TestStreamScopedPerTask(t *testing.T) {
	_, bus, wsURL := newTestHub(t, nil)

	conn := dial(t, wsURL, "t1")
	bus.Publish(events.New("task:started", "t2", nil))
	bus.Publish(events.New("task:started", "t1", nil))

	ev := readEvent(t, conn)
	if ev.TaskID != "t1" {
		t.Fatalf("received event for %q, want t1 only", ev.TaskID)
	}
}

func TestClientDisconnectReleasesSubscription(t *testing.T) {
	hub, bus, wsURL := newTestHub(t, nil)

	conn := dial(t, wsURL, "t1")
	waitFor(t, func() bool { return bus.SubscriberCount("t1") == 1 })
	if hub.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", hub.ClientCount())
	}

	conn.Close()
	waitFor(t, func() bool { return bus.SubscriberCount("t1") == 0 })
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, bus, wsURL := newTestHub(t, nil)

	conn := dial(t, wsURL, "t1")
	waitFor(t, func() bool { return bus.SubscriberCount("t1") == 1 })

	hub.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded after hub close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
