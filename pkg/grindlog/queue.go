package grindlog

import (
	"context"
	"errors"
	"log"
)

var ErrQueueFull = errors.New("flash op queue full")

// OpKind identifies a flash operation.
type OpKind int

const (
	// OpEndSession persists a finished session and dumps it to the sink.
	OpEndSession OpKind = iota
	// OpSnapshot writes an in-progress snapshot to the diagnostic sink.
	OpSnapshot
)

func (k OpKind) String() string {
	switch k {
	case OpEndSession:
		return "END_GRIND_SESSION"
	case OpSnapshot:
		return "SNAPSHOT"
	}
	return "UNKNOWN"
}

// Op is a persistence request queued by the control loop.
type Op struct {
	Kind        OpKind
	Result      string
	FinalWeight float32
	PulseCount  int
	Record      Session
}

// Queue is a bounded, non-blocking flash-op queue.
type Queue struct {
	ch chan Op
}

// NewQueue creates a queue holding at most size operations.
func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan Op, max(size, 1))}
}

// Enqueue adds op without blocking.
func (q *Queue) Enqueue(op Op) error {
	select {
	case q.ch <- op:
		return nil
	default:
		log.Printf("[grindlog] flash queue full, dropping %s", op.Kind)
		return ErrQueueFull
	}
}

// Pop removes the next operation without blocking.
func (q *Queue) Pop() (Op, bool) {
	select {
	case op := <-q.ch:
		return op, true
	default:
		return Op{}, false
	}
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Sink receives snapshot dumps.
type Sink interface {
	Snapshot(s *Session) error
}

// Worker drains a Queue into a Store.
type Worker struct {
	queue *Queue
	store *Store
	sink  Sink
}

// NewWorker creates a worker. A nil store disables persistence; a nil sink
// discards snapshots.
func NewWorker(q *Queue, store *Store, sink Sink) *Worker {
	return &Worker{queue: q, store: store, sink: sink}
}

// Run processes operations until ctx is cancelled, then drains what is
// already queued.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				op, ok := w.queue.Pop()
				if !ok {
					return
				}
				w.process(op)
			}
		case op := <-w.queue.ch:
			w.process(op)
		}
	}
}

func (w *Worker) process(op Op) {
	switch op.Kind {
	case OpEndSession:
		op.Record.Result = op.Result
		op.Record.FinalWeight = op.FinalWeight
		op.Record.PulseCount = uint16(op.PulseCount)
		w.persist(&op.Record)
		w.snapshot(&op.Record)
	case OpSnapshot:
		w.snapshot(&op.Record)
	}
}

func (w *Worker) persist(s *Session) {
	if w.store == nil {
		return
	}
	if err := w.store.Save(s); err != nil {
		log.Printf("[grindlog] failed to persist session %d: %v", s.ID, err)
		return
	}
	log.Printf("[grindlog] session %d persisted: %s %.2fg %d pulses",
		s.ID, s.Result, s.FinalWeight, s.PulseCount)
}

func (w *Worker) snapshot(s *Session) {
	if w.sink == nil {
		return
	}
	if err := w.sink.Snapshot(s); err != nil {
		log.Printf("[grindlog] snapshot failed: %v", err)
	}
}
