// Package events implements the per-task publish/subscribe fan-out that
// keeps real-time observers consistent with orchestration state.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// GlobalTopic is the reserved topic for multi-task events.
const GlobalTopic = "0"

// Event is a single lifecycle event published exactly once per
// state-changing operation. TaskID "0" denotes a global event.
type Event struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType, taskID string, data any) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// SnapshotFunc produces the task:state snapshot delivered to a new
// subscriber before any live event. ok=false means no snapshot exists
// for the topic (e.g. the global topic or an unknown task).
type SnapshotFunc func(taskID string) (Event, bool)

// Subscription is one subscriber's view of a topic. Events arrive on C;
// Close detaches the subscriber and releases the topic once it is the
// last one.
type Subscription struct {
	C <-chan Event

	bus    *Bus
	topic  string
	ch     chan Event
	closed sync.Once
}

// Close detaches the subscription from its topic.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.unsubscribe(s.topic, s.ch)
	})
}

// Bus is a thread-safe per-task event fan-out. Topics are created on
// first subscribe and garbage-collected when the subscriber set becomes
// empty; publishing to a topic with no subscribers is a no-op.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]map[chan Event]struct{}
	snapshot SnapshotFunc
	logger   *slog.Logger
	buffer   int
}

// NewBus creates a Bus. snapshot may be nil, in which case subscribers
// receive no initial task:state event.
func NewBus(snapshot SnapshotFunc, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:   make(map[string]map[chan Event]struct{}),
		snapshot: snapshot,
		logger:   logger,
		buffer:   64,
	}
}

// Subscribe attaches a new subscriber to the given topic. The returned
// subscription's channel delivers the current task:state snapshot first
// (read-your-writes for new subscribers), then live events in publish
// order.
func (b *Bus) Subscribe(taskID string) *Subscription {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	subs, ok := b.topics[taskID]
	if !ok {
		subs = make(map[chan Event]struct{})
		b.topics[taskID] = subs
	}
	subs[ch] = struct{}{}
	// Queue the snapshot while holding the lock so no event published
	// after subscription can be ordered ahead of it.
	if b.snapshot != nil && taskID != GlobalTopic {
		if snap, ok := b.snapshot(taskID); ok {
			ch <- snap
		}
	}
	b.mu.Unlock()

	return &Subscription{C: ch, bus: b, topic: taskID, ch: ch}
}

func (b *Bus) unsubscribe(taskID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[taskID]
	if !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(b.topics, taskID)
	}
	close(ch)
}

// Publish delivers the event to every subscriber of its task topic.
// Delivery is best-effort and non-blocking: a slow subscriber's full
// buffer drops the event for that subscriber only, and can never block
// or abort delivery to others, nor propagate back to the caller.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[event.TaskID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				slog.String("type", event.Type),
				slog.String("task_id", event.TaskID))
		}
	}
}

// PublishGlobal delivers the event to subscribers of the global topic,
// rewriting its TaskID to the reserved global id.
func (b *Bus) PublishGlobal(event Event) {
	event.TaskID = GlobalTopic
	b.Publish(event)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(taskID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[taskID])
}

// TopicCount returns the number of live topics.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
