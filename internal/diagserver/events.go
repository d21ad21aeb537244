package diagserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotEvent is the CloudEvents-shaped envelope broadcast to connected
// diagnostic clients whenever the engine emits a triggered snapshot.
type SnapshotEvent struct {
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	ID          string          `json:"id"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject"`
	Data        json.RawMessage `json:"data"`
}

// NewSnapshotEvent builds an envelope for one triggered snapshot, ready to
// broadcast over the websocket tail or the socket.io command channel.
func NewSnapshotEvent(eventType, subject string, data any) (SnapshotEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return SnapshotEvent{}, fmt.Errorf("diagserver: marshal event data: %w", err)
	}
	return SnapshotEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "edge-agent/diagserver",
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        payload,
	}, nil
}

// JSON renders the event for a websocket text frame.
func (e SnapshotEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is a small mutex-guarded fan-out of SnapshotEvents to any number of
// subscribed channels, the way a local tail broadcaster works: every
// subscriber gets its own buffered channel, and a slow subscriber is
// dropped from rather than allowed to block a publish.
type Bus struct {
	mu          sync.Mutex
	subscribers map[chan SnapshotEvent]struct{}
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan SnapshotEvent]struct{})}
}

// Subscribe returns a new buffered channel that receives every event
// published after this call.
func (b *Bus) Subscribe() chan SnapshotEvent {
	ch := make(chan SnapshotEvent, 32)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan SnapshotEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish fans e out to every subscriber without blocking; a subscriber
// whose buffer is full simply misses this event rather than stalling the
// engine's publish path.
func (b *Bus) Publish(e SnapshotEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many live subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
