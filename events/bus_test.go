package events

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus(nil, testLogger())
	sub := bus.Subscribe("t1")
	defer sub.Close()

	bus.Publish(New("task:started", "t1", nil))

	ev := recv(t, sub)
	if ev.Type != "task:started" || ev.TaskID != "t1" {
		t.Errorf("got %+v", ev)
	}
}

func TestPublishIsScopedToTopic(t *testing.T) {
	bus := NewBus(nil, testLogger())
	sub := bus.Subscribe("t1")
	defer sub.Close()

	bus.Publish(New("task:started", "t2", nil))

	select {
	case ev := <-sub.C:
		t.Errorf("received event for other task: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotDeliveredBeforeLiveEvents(t *testing.T) {
	bus := NewBus(func(taskID string) (Event, bool) {
		return New("task:state", taskID, "snapshot"), true
	}, testLogger())

	sub := bus.Subscribe("t1")
	defer sub.Close()
	bus.Publish(New("task:completed", "t1", nil))

	first := recv(t, sub)
	if first.Type != "task:state" {
		t.Fatalf("first event = %s, want task:state", first.Type)
	}
	second := recv(t, sub)
	if second.Type != "task:completed" {
		t.Fatalf("second event = %s, want task:completed", second.Type)
	}
}

func TestSnapshotSkippedForGlobalTopic(t *testing.T) {
	bus := NewBus(func(taskID string) (Event, bool) {
		t.Errorf("snapshot requested for topic %q", taskID)
		return Event{}, false
	}, testLogger())

	sub := bus.Subscribe(GlobalTopic)
	defer sub.Close()

	select {
	case ev := <-sub.C:
		t.Errorf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(nil, testLogger())
	slow := bus.Subscribe("t1")
	defer slow.Close()
	fast := bus.Subscribe("t1")
	defer fast.Close()

	// Overflow the slow subscriber's buffer without draining it. Publish
	// must not block, and the fast subscriber sees every event.
	total := cap(slow.ch) + 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			bus.Publish(New("task:log", "t1", i))
			<-fast.C
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCloseReleasesTopic(t *testing.T) {
	bus := NewBus(nil, testLogger())

	s1 := bus.Subscribe("t1")
	s2 := bus.Subscribe("t1")
	if got := bus.SubscriberCount("t1"); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	s1.Close()
	if got := bus.TopicCount(); got != 1 {
		t.Errorf("TopicCount = %d after partial close, want 1", got)
	}

	s2.Close()
	if got := bus.TopicCount(); got != 0 {
		t.Errorf("TopicCount = %d after last close, want 0", got)
	}

	// Closing twice is safe, and the channel is closed.
	s2.Close()
	if _, ok := <-s2.C; ok {
		t.Error("channel still open after Close")
	}
}

func TestPublishGlobalRewritesTaskID(t *testing.T) {
	bus := NewBus(nil, testLogger())
	sub := bus.Subscribe(GlobalTopic)
	defer sub.Close()

	bus.PublishGlobal(New("trash:emptied", "t1", map[string]any{"deletedCount": 1}))

	ev := recv(t, sub)
	if ev.TaskID != GlobalTopic {
		t.Errorf("TaskID = %q, want %q", ev.TaskID, GlobalTopic)
	}
	if ev.Type != "trash:emptied" {
		t.Errorf("Type = %q", ev.Type)
	}
}

func TestOrderingPreservedPerSubscriber(t *testing.T) {
	bus := NewBus(nil, testLogger())
	sub := bus.Subscribe("t1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		bus.Publish(New(fmt.Sprintf("ev-%d", i), "t1", nil))
	}
	for i := 0; i < 10; i++ {
		ev := recv(t, sub)
		if want := fmt.Sprintf("ev-%d", i); ev.Type != want {
			t.Fatalf("event %d = %s, want %s", i, ev.Type, want)
		}
	}
}
