// Package bus provides the in-process event bus connecting the core
// subsystems to the control surface. Publishing never blocks: each
// subscriber owns an unbounded queue drained by its own goroutine, so
// back-pressure is the consumer's concern.
package bus

import (
	"sync"
	"time"
)

// Event names emitted by the core (stable contract with the UI)
const (
	EventSessionStarted   = "session_started"
	EventPhotoTaken       = "photo_taken"
	EventPhotoFailed      = "photo_failed"
	EventPhotoOvertime    = "photo_overtime"
	EventSessionCompleted = "session_completed"
	EventSessionStopped   = "session_stopped"
	EventSessionError     = "session_error"
	EventSessionSaved     = "session_saved"

	EventCameraConnected    = "camera_connected"
	EventCameraDisconnected = "camera_disconnected"
	EventCameraIPChanged    = "camera_ip_changed"

	EventTimeSyncStatus = "time_sync_status"
	EventPiSync         = "pi_sync"
	EventCameraSync     = "camera_sync"

	EventStatusUpdate = "status_update"
)

// Event is a typed message published by a core subsystem
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Bus fans events out to subscribers
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber receives events in publish order on C
type Subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	ch     chan Event
}

// New creates an event bus
func New() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Publish delivers an event to every subscriber without blocking
func (b *Bus) Publish(eventType string, payload interface{}) {
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.enqueue(ev)
	}
}

// Subscribe registers a new subscriber and starts its drain goroutine
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event)}
	sub.cond = sync.NewCond(&sub.mu)
	go sub.drain()

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber; its channel closes after the queue drains
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.close()
}

// C returns the subscriber's receive channel
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

func (s *Subscriber) enqueue(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// drain moves events from the queue to the channel, preserving order
func (s *Subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.ch <- ev
	}
}
