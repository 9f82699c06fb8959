// Package autotune measures the motor response latency: the shortest pulse
// that reliably delivers a detectable amount of coffee.
package autotune

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/itohio/grindscale/pkg/clock"
	"github.com/itohio/grindscale/pkg/config"
	"github.com/itohio/grindscale/pkg/motor"
	"github.com/itohio/grindscale/pkg/sample"
)

const owner = "autotune"

var (
	ErrBusy      = errors.New("autotune: busy")
	ErrCancelled = errors.New("autotune: cancelled by user")
	ErrFailed    = errors.New("autotune: failed")
)

// Phase is the tuner state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePriming
	PhaseBinarySearch
	PhaseVerification
	PhaseCompleteSuccess
	PhaseCompleteFailure
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePriming:
		return "PRIMING"
	case PhaseBinarySearch:
		return "BINARY_SEARCH"
	case PhaseVerification:
		return "VERIFICATION"
	case PhaseCompleteSuccess:
		return "COMPLETE_SUCCESS"
	case PhaseCompleteFailure:
		return "COMPLETE_FAILURE"
	}
	return "UNKNOWN"
}

// Done reports whether p is terminal.
func (p Phase) Done() bool {
	return p == PhaseCompleteSuccess || p == PhaseCompleteFailure
}

// SubPhase is the step within a pulse measurement.
type SubPhase uint8

const (
	SubFire SubPhase = iota
	SubPulse
	SubCollect
	SubSettle
	SubTare
)

func (s SubPhase) String() string {
	switch s {
	case SubFire:
		return "fire"
	case SubPulse:
		return "pulse"
	case SubCollect:
		return "collect"
	case SubSettle:
		return "settle"
	case SubTare:
		return "tare"
	}
	return "unknown"
}

// Progress is the observable tuner state.
type Progress struct {
	Phase        string  `json:"phase"`
	SubPhase     string  `json:"sub_phase"`
	PulseCount   int     `json:"pulse_count"`
	SuccessCount int     `json:"success_count"`
	CurrentMs    float64 `json:"current_ms"`
	CandidateMs  float64 `json:"candidate_ms"`
	StepMs       float64 `json:"step_ms"`
	Iteration    int     `json:"iteration"`
	Round        int     `json:"round"`
	Message      string  `json:"message"`
	NewMessage   bool    `json:"new_message"`
}

// Scale provides the weight views the tuner needs.
type Scale interface {
	Settled(w time.Duration) (bool, float32)
	HighLatencyOver(w time.Duration) float32
	BeginTare() error
	CancelTare()
	TareStatus() sample.TareStatus
}

// Latency is the grind controller side: exclusive access and the latency
// setter. *grind.Controller satisfies it.
type Latency interface {
	Acquire(owner string) error
	Release(owner string)
	SetMotorResponseLatency(d time.Duration) error
	SaveMotorResponseLatency() error
}

// Tuner runs the search without blocking. Update must be called on every
// control tick while Active.
type Tuner struct {
	cfg     config.AutotuneConfig
	lo      float64 // ms
	hi      float64 // ms
	window  time.Duration
	clk     clock.Clock
	scale   Scale
	motor   motor.Driver
	latency Latency

	mu        sync.Mutex
	phase     Phase
	sub       SubPhase
	entry     time.Time
	cancelled bool
	err       error
	file      *os.File

	current     float64
	step        float64
	down        bool
	lastSuccess float64
	haveSuccess bool
	lowerFound  bool
	iteration   int
	candidate   float64
	round       int
	pulses      int
	successes   int
	vPulses     int
	vSuccesses  int
	lastSettled float32

	message    string
	newMessage bool
	result     time.Duration
}

// New creates a tuner. Search bounds come from the grind latency limits and
// settling uses the grind precision window.
func New(cfg config.AutotuneConfig, grindCfg config.GrindConfig, clk clock.Clock, scale Scale, m motor.Driver, lat Latency) *Tuner {
	if clk == nil {
		clk = clock.System{}
	}
	return &Tuner{
		cfg:     cfg,
		lo:      msOf(grindCfg.LatencyMin),
		hi:      msOf(grindCfg.LatencyMax),
		window:  grindCfg.PrecisionSettling,
		clk:     clk,
		scale:   scale,
		motor:   m,
		latency: lat,
	}
}

func msOf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func durationOf(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Start begins tuning. It fails with ErrBusy while tuning or while the grind
// controller is in use.
func (t *Tuner) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != PhaseIdle && !t.phase.Done() {
		return ErrBusy
	}
	if t.scale == nil || t.motor == nil || t.latency == nil {
		return fmt.Errorf("%w: missing collaborator", ErrFailed)
	}
	if err := t.latency.Acquire(owner); err != nil {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}

	t.openLog()
	t.resetLocked()
	t.phase = PhasePriming
	t.sub = SubFire
	t.entry = t.clk.Now()
	t.note("Auto-tune started: search %.0f-%.0fms", t.lo, t.hi)
	return nil
}

func (t *Tuner) resetLocked() {
	t.cancelled = false
	t.err = nil
	t.current = t.hi
	t.step = t.hi - t.lo
	t.down = true
	t.lastSuccess = 0
	t.haveSuccess = false
	t.lowerFound = false
	t.iteration = 0
	t.candidate = 0
	t.round = 0
	t.pulses = 0
	t.successes = 0
	t.vPulses = 0
	t.vSuccesses = 0
	t.lastSettled = 0
	t.result = 0
}

// Cancel requests cancellation; it takes effect on the next Update.
func (t *Tuner) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseIdle && !t.phase.Done() {
		t.cancelled = true
	}
}

// Active reports whether tuning is in progress.
func (t *Tuner) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase != PhaseIdle && !t.phase.Done()
}

func (t *Tuner) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Result returns the committed latency after success, or the failure.
func (t *Tuner) Result() (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.phase {
	case PhaseCompleteSuccess:
		return t.result, nil
	case PhaseCompleteFailure:
		return 0, t.err
	}
	return 0, ErrBusy
}

// Progress returns a snapshot. Reading it does not clear the message flag.
func (t *Tuner) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{
		Phase:        t.phase.String(),
		SubPhase:     t.sub.String(),
		PulseCount:   t.pulses,
		SuccessCount: t.successes,
		CurrentMs:    t.current,
		CandidateMs:  t.candidate,
		StepMs:       t.step,
		Iteration:    t.iteration,
		Round:        t.round,
		Message:      t.message,
		NewMessage:   t.newMessage,
	}
}

// ClearMessage acknowledges the current message.
func (t *Tuner) ClearMessage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.newMessage = false
}

// Update advances the tuner by one step.
func (t *Tuner) Update() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase == PhaseIdle || t.phase.Done() {
		return
	}
	if t.cancelled {
		if err := t.motor.Stop(); err != nil {
			log.Printf("[autotune] motor stop failed: %v", err)
		}
		t.scale.CancelTare()
		t.failLocked(ErrCancelled, "Cancelled by user")
		return
	}

	now := t.clk.Now()
	switch t.sub {
	case SubFire:
		t.fireLocked(now)
	case SubPulse:
		if t.motor.PulseComplete() {
			t.sub = SubCollect
			t.entry = now
		}
	case SubCollect:
		if now.Sub(t.entry) >= t.cfg.CollectionDelay {
			t.sub = SubSettle
			t.entry = now
		}
	case SubSettle:
		ok, w := t.scale.Settled(t.window)
		if !ok {
			if now.Sub(t.entry) < t.cfg.SettleTimeout {
				return
			}
			w = t.scale.HighLatencyOver(t.window)
			t.logf("settle timeout, using %.4fg", w)
		}
		t.measuredLocked(now, w)
	case SubTare:
		switch t.scale.TareStatus() {
		case sample.TareFailed:
			t.failLocked(ErrFailed, "Tare failed")
		case sample.TareDone:
			if ok, w := t.scale.Settled(t.window); ok {
				t.lastSettled = w
				t.phase = PhaseBinarySearch
				t.sub = SubFire
				t.note("Searching from %.0fms", t.current)
			}
		}
	}
}

func (t *Tuner) fireLocked(now time.Time) {
	var ms float64
	switch t.phase {
	case PhasePriming:
		ms = msOf(t.cfg.PrimingPulse)
	case PhaseBinarySearch:
		ms = t.current
	case PhaseVerification:
		ms = t.candidate
	}
	if err := t.motor.Pulse(durationOf(ms)); err != nil {
		t.logf("pulse %.1fms failed: %v", ms, err)
		return
	}
	t.pulses++
	t.sub = SubPulse
	t.entry = now
	t.logf("%s pulse %.1fms", t.phase, ms)
}

func (t *Tuner) measuredLocked(now time.Time, post float32) {
	if t.phase == PhasePriming {
		t.logf("primed at %.3fg", post)
		if err := t.scale.BeginTare(); err != nil {
			t.failLocked(ErrFailed, "Tare failed")
			return
		}
		t.sub = SubTare
		t.entry = now
		return
	}

	delta := post - t.lastSettled
	t.lastSettled = post
	success := delta >= t.cfg.DetectThresholdG
	if success {
		t.successes++
	}

	if t.phase == PhaseBinarySearch {
		t.logf("search %.1fms delta=%.4fg success=%v step=%.1fms", t.current, delta, success, t.step)
		t.searchLocked(success)
	} else {
		t.logf("verify %.0fms delta=%.4fg success=%v", t.candidate, delta, success)
		t.verifyLocked(success)
	}
	if !t.phase.Done() {
		t.sub = SubFire
	}
}

func (t *Tuner) searchLocked(success bool) {
	t.iteration++
	acc := msOf(t.cfg.TargetAccuracy)

	if success {
		t.lastSuccess = t.current
		t.haveSuccess = true
		switch {
		case t.current <= t.lo:
			t.verificationLocked(t.current)
			return
		case t.lowerFound && t.step <= acc:
			t.verificationLocked(t.lastSuccess)
			return
		}
		if !t.down {
			t.step /= 2
			t.down = true
		}
		t.current -= t.step
	} else {
		t.lowerFound = true
		if t.step <= acc {
			if !t.haveSuccess {
				t.failLocked(ErrFailed, "No pulse produced a detectable mass")
				return
			}
			t.verificationLocked(t.lastSuccess)
			return
		}
		if t.down {
			t.step /= 2
			t.down = false
		}
		t.current += t.step
	}

	t.current = min(max(t.current, t.lo), t.hi)
	if t.iteration >= t.cfg.MaxIterations {
		t.failLocked(ErrFailed, "Search did not converge")
	}
}

func (t *Tuner) verificationLocked(candidate float64) {
	t.candidate = math.Ceil(candidate)
	t.phase = PhaseVerification
	t.vPulses = 0
	t.vSuccesses = 0
	t.note("Verifying %.0fms", t.candidate)
}

func (t *Tuner) verifyLocked(success bool) {
	t.vPulses++
	if success {
		t.vSuccesses++
	}
	if t.vPulses < t.cfg.VerificationPulses {
		return
	}

	rate := float32(t.vSuccesses) / float32(t.vPulses)
	if rate >= t.cfg.SuccessRate {
		t.commitLocked()
		return
	}
	t.round++
	if t.round >= t.cfg.MaxVerificationRounds {
		t.failLocked(ErrFailed, fmt.Sprintf("Verification failed at %.0fms", t.candidate))
		return
	}
	t.candidate = math.Ceil(t.candidate + t.step)
	t.vPulses = 0
	t.vSuccesses = 0
	t.note("Retrying at %.0fms (%.0f%% success)", t.candidate, rate*100)
}

func (t *Tuner) commitLocked() {
	d := durationOf(t.candidate)
	if err := t.latency.SetMotorResponseLatency(d); err != nil {
		t.failLocked(ErrFailed, fmt.Sprintf("Latency %v rejected", d))
		return
	}
	if err := t.latency.SaveMotorResponseLatency(); err != nil {
		t.logf("failed to save latency: %v", err)
	}
	t.result = d
	t.phase = PhaseCompleteSuccess
	t.latency.Release(owner)
	t.note("Motor latency set to %v", d)
	t.closeLog()
}

func (t *Tuner) failLocked(err error, msg string) {
	t.err = fmt.Errorf("%w: %s", err, msg)
	if errors.Is(err, ErrCancelled) {
		t.err = err
	}
	t.phase = PhaseCompleteFailure
	t.latency.Release(owner)
	t.note("%s", msg)
	t.closeLog()
}

// note sets the user-facing message and logs it.
func (t *Tuner) note(format string, args ...any) {
	t.message = fmt.Sprintf(format, args...)
	t.newMessage = true
	t.logf("%s", t.message)
}
