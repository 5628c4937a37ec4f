package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventKind classifies a dispatched event.
type EventKind string

const (
	EventInsert    EventKind = "insert"
	EventUpdate    EventKind = "update"
	EventDelete    EventKind = "delete"
	EventBroadcast EventKind = "broadcast"
)

// Event is a change notification or ephemeral broadcast for one topic.
// Delivery is best effort: a slow subscriber may miss events, and nothing
// is replayed after resubscribe, so consumers must tolerate both drops
// and duplicates.
type Event struct {
	Topic     string          `json:"topic"`
	Kind      EventKind       `json:"kind"`
	Table     string          `json:"table,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Topic helpers shared by publishers and subscribers.
func MessagesTopic(groupID string) string { return "messages:" + groupID }
func TypingTopic(groupID string) string   { return "typing:" + groupID }
func NoteTopic(noteID string) string      { return "note:" + noteID }
func GroupNotesTopic(groupID string) string { return "notes:" + groupID }

// Dispatcher fans events out to topic subscribers in-process.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one topic. The returned cleanup
// releases the subscription; calling it more than once is safe, and the
// subscription is also released when ctx is cancelled.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every current subscriber of its topic.
// Subscribers with full buffers are skipped rather than blocked on.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subs := d.subscribers[event.Topic]
	if len(subs) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subs := d.subscribers[topic]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
