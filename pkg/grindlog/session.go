// Package grindlog records grind sessions in memory and persists them off the
// control loop.
package grindlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the grind mode of a session.
type Mode uint8

const (
	ModeWeight Mode = iota
	ModeTime
)

func (m Mode) String() string {
	if m == ModeTime {
		return "time"
	}
	return "weight"
}

// Measurement is one continuous measurement record. Time is relative to the
// session start.
type Measurement struct {
	Time       time.Duration
	Weight     float32
	Delta      float32
	FlowRate   float32
	StopTarget float32
	MotorOn    bool
	Phase      uint8
}

// PhaseEvent describes one completed phase of a session.
type PhaseEvent struct {
	Phase         uint8
	Start         time.Duration
	Duration      time.Duration
	StartWeight   float32
	EndWeight     float32
	StopTarget    float32
	FlowRate      float32
	Latency       time.Duration
	PulseDuration time.Duration
	Attempt       uint16
	Loops         uint32
	Settling      time.Duration
}

// Session is the persistent record of one grind session.
type Session struct {
	ID        uint32
	UUID      uuid.UUID
	Timestamp time.Time
	Mode      Mode
	ProfileID int32

	TargetWeight float32
	TargetTime   time.Duration
	Tolerance    float32

	// Controller parameters in effect for the session.
	Undershoot    float32
	CoastRatio    float32
	FlowThreshold float32
	Latency       time.Duration

	StartWeight float32
	FinalWeight float32
	Error       float32
	TotalTime   time.Duration
	MotorOnTime time.Duration
	TimeError   time.Duration
	PulseCount  uint16

	Termination string
	Result      string

	Events       []PhaseEvent
	Measurements []Measurement
}

// Logger buffers the active session in RAM. Measurements are kept in a ring
// so that long sessions retain the most recent records.
type Logger struct {
	mu              sync.Mutex
	maxEvents       int
	maxMeasurements int

	active  bool
	session Session
	ring    []Measurement
	head    int
	full    bool
}

// NewLogger creates a logger bounded to maxEvents phase events and
// maxMeasurements measurement records.
func NewLogger(maxEvents, maxMeasurements int) *Logger {
	return &Logger{
		maxEvents:       max(maxEvents, 1),
		maxMeasurements: max(maxMeasurements, 1),
	}
}

// Begin starts a new session, discarding any unfinished one. The UUID is
// generated when s does not carry one.
func (l *Logger) Begin(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.UUID == uuid.Nil {
		s.UUID = uuid.New()
	}
	s.Events = make([]PhaseEvent, 0, l.maxEvents)
	s.Measurements = nil
	l.session = s
	l.ring = make([]Measurement, l.maxMeasurements)
	l.head = 0
	l.full = false
	l.active = true
}

// Active reports whether a session is being recorded.
func (l *Logger) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// AddMeasurement appends m, overwriting the oldest record when full.
func (l *Logger) AddMeasurement(m Measurement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.ring[l.head] = m
	l.head++
	if l.head == len(l.ring) {
		l.head = 0
		l.full = true
	}
}

// AddEvent appends a phase event. Events beyond the bound are dropped.
func (l *Logger) AddEvent(e PhaseEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || len(l.session.Events) >= l.maxEvents {
		return false
	}
	l.session.Events = append(l.session.Events, e)
	return true
}

// Update applies f to the session header under the logger lock.
func (l *Logger) Update(f func(s *Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active {
		f(&l.session)
	}
}

// Snapshot returns a copy of the active session with its measurements in
// chronological order.
func (l *Logger) Snapshot() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return Session{}, false
	}
	return l.copyLocked(), true
}

// Finish ends the active session and returns its record.
func (l *Logger) Finish() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return Session{}, false
	}
	s := l.copyLocked()
	l.active = false
	l.ring = nil
	return s, true
}

// Discard drops the active session without producing a record.
func (l *Logger) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = false
	l.ring = nil
}

func (l *Logger) copyLocked() Session {
	s := l.session
	s.Events = append([]PhaseEvent(nil), l.session.Events...)

	if l.full {
		s.Measurements = make([]Measurement, 0, len(l.ring))
		s.Measurements = append(s.Measurements, l.ring[l.head:]...)
		s.Measurements = append(s.Measurements, l.ring[:l.head]...)
	} else {
		s.Measurements = append([]Measurement(nil), l.ring[:l.head]...)
	}
	return s
}
