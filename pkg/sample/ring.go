package sample

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNonMonotonic is returned when a sample is not newer than the last one.
var ErrNonMonotonic = errors.New("sample: timestamp not after previous sample")

// RawSample is a raw ADC count with its acquisition time.
type RawSample struct {
	Raw  int32
	Time time.Time
}

// Ring is a fixed-capacity ring of raw samples ordered by time.
// The oldest sample is overwritten on insert once the ring is full.
//
// There is a single writer (the sampler). Readers copy the samples they need
// under a read lock, so views never observe a partially written sample.
// Version increments on every mutation and lets readers detect change.
type Ring struct {
	mu      sync.RWMutex
	buf     []RawSample
	head    int // Index of the oldest sample
	n       int
	version uint64
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{buf: make([]RawSample, capacity)}
}

// Push appends s, overwriting the oldest sample when full.
func (r *Ring) Push(s RawSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n > 0 {
		last := r.buf[(r.head+r.n-1)%len(r.buf)]
		if !s.Time.After(last.Time) {
			return fmt.Errorf("%w: %v <= %v", ErrNonMonotonic, s.Time, last.Time)
		}
	}

	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = s
		r.n++
	} else {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	}
	r.version++
	return nil
}

// Clear removes all samples.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.n = 0
	r.version++
}

// Len returns the number of samples held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Version returns the mutation counter.
func (r *Ring) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Latest returns the newest sample.
func (r *Ring) Latest() (RawSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.n == 0 {
		return RawSample{}, false
	}
	return r.buf[(r.head+r.n-1)%len(r.buf)], true
}

// Snapshot copies all samples into dst, oldest first.
func (r *Ring) Snapshot(dst []RawSample) []RawSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyFrom(dst, 0)
}

// Window copies the samples no older than w before the newest sample into
// dst, oldest first.
func (r *Ring) Window(dst []RawSample, w time.Duration) []RawSample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.n == 0 {
		return dst[:0]
	}
	newest := r.buf[(r.head+r.n-1)%len(r.buf)].Time
	cutoff := newest.Add(-w)

	// Walk back from the newest sample to find the window start.
	start := r.n - 1
	for start > 0 && !r.buf[(r.head+start-1)%len(r.buf)].Time.Before(cutoff) {
		start--
	}
	return r.copyFrom(dst, start)
}

// copyFrom copies samples from logical index start. r.mu must be held.
func (r *Ring) copyFrom(dst []RawSample, start int) []RawSample {
	dst = dst[:0]
	for i := start; i < r.n; i++ {
		dst = append(dst, r.buf[(r.head+i)%len(r.buf)])
	}
	return dst
}
