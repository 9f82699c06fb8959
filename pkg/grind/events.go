package grind

import (
	"log"
	"sync"
)

// EventKind identifies a UI event.
type EventKind uint8

const (
	EventPhaseChanged EventKind = iota
	EventProgress
	EventCompleted
	EventTimeout
	EventStopped
	EventBackgroundChange
	EventPulseStarted
	EventPulseCompleted
)

var eventNames = [...]string{
	EventPhaseChanged:     "PHASE_CHANGED",
	EventProgress:         "PROGRESS_UPDATED",
	EventCompleted:        "COMPLETED",
	EventTimeout:          "TIMEOUT",
	EventStopped:          "STOPPED",
	EventBackgroundChange: "BACKGROUND_CHANGE",
	EventPulseStarted:     "PULSE_STARTED",
	EventPulseCompleted:   "PULSE_COMPLETED",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "UNKNOWN"
}

// Event is delivered to the UI collaborator.
type Event struct {
	Kind          EventKind
	Phase         Phase
	Weight        float32
	Progress      float32 // Percent of target
	Text          string
	ShowTaring    bool
	FlowRate      float32
	FinalWeight   float32
	PulseCount    int
	PulseDuration float32 // ms
	CanPulse      bool
	Mechanical    bool

	TimeoutPhase    Phase
	TimeoutWeight   float32
	TimeoutProgress float32
	Message         string

	BackgroundActive bool
}

// EventQueue is a bounded, non-blocking event queue. When full, the oldest
// progress event is evicted to make room; if there is none, a new progress
// event is dropped silently and any other event is rejected with a warning.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	size   int
	ready  chan struct{}
}

func NewEventQueue(size int) *EventQueue {
	size = max(size, 1)
	return &EventQueue{
		events: make([]Event, 0, size),
		size:   size,
		ready:  make(chan struct{}, 1),
	}
}

// Push adds e without blocking.
func (q *EventQueue) Push(e Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.size && !q.evictProgressLocked() {
		if e.Kind == EventProgress {
			return nil
		}
		log.Printf("[grind] event queue full, dropping %s", e.Kind)
		return ErrQueueFull
	}
	q.events = append(q.events, e)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *EventQueue) evictProgressLocked() bool {
	for i, e := range q.events {
		if e.Kind == EventProgress {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return true
		}
	}
	return false
}

// Pop removes the oldest event.
func (q *EventQueue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return Event{}, false
	}
	e := q.events[0]
	q.events = append(q.events[:0], q.events[1:]...)
	return e, true
}

// Drain calls f for every queued event in order.
func (q *EventQueue) Drain(f func(Event)) {
	for {
		e, ok := q.Pop()
		if !ok {
			return
		}
		f(e)
	}
}

// Ready is signalled after a push.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
