package grind

import (
	"log"
	"time"

	"github.com/itohio/grindscale/pkg/grindlog"
	"github.com/itohio/grindscale/pkg/prefs"
	"github.com/itohio/grindscale/pkg/sample"
)

// Update advances the state machine by at most one transition.
func (c *Controller) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseIdle, PhaseCompleted, PhaseTimeout:
		return
	case PhaseTimeAdditionalPulse:
		c.updateAdditionalPulse()
		return
	}

	now := c.clk.Now()
	if !now.After(c.s.entry) {
		return
	}
	c.s.ticks++
	c.s.loops++

	w := c.scale.LowLatency()

	if c.phase.failsafe() && c.scale.Instant() < c.cfg.FailsafeWeightG {
		log.Printf("[grind] failsafe: weight %.2fg in %s", c.scale.Instant(), c.phase)
		c.timeoutLocked(now, w, terminationFault)
		return
	}
	if now.Sub(c.s.start) >= c.sessionTimeout() {
		log.Printf("[grind] session timeout in %s at %.2fg", c.phase, w)
		c.timeoutLocked(now, w, terminationTime)
		return
	}

	c.recordLocked(now, w)

	switch c.phase {
	case PhaseInitializing:
		if c.s.acked {
			c.switchLocked(PhaseSetup, now, w)
		}
	case PhaseSetup:
		c.setupLocked(now, w)
	case PhaseTaring:
		if err := c.scale.BeginTare(); err != nil {
			log.Printf("[grind] tare rejected: %v", err)
			return
		}
		c.switchLocked(PhaseTareConfirm, now, w)
	case PhaseTareConfirm:
		c.tareConfirmLocked(now, w)
	case PhasePredictive:
		c.predictiveLocked(now, w)
	case PhasePulseSettling:
		if now.Sub(c.s.entry) >= c.latency+c.cfg.MotorSettling {
			if ok, _ := c.scale.Settled(c.cfg.MotorSettling); ok {
				c.switchLocked(PhasePulseDecision, now, w)
			}
		}
	case PhasePulseDecision:
		c.pulseDecisionLocked(now, w)
	case PhasePulseExecute:
		if c.motor.PulseComplete() {
			c.pushLocked(Event{Kind: EventPulseCompleted, Phase: c.phase, PulseCount: c.s.attempts})
			c.switchLocked(PhasePulseSettling, now, w)
		}
	case PhaseTimeGrinding:
		c.timeGrindingLocked(now, w)
	case PhaseFinalSettling:
		c.finalSettlingLocked(now, w)
	}

	if c.phase.Active() {
		c.progressLocked(w)
	}
}

func (c *Controller) sessionTimeout() time.Duration {
	if c.s.mode == grindlog.ModeTime {
		return max(c.cfg.Timeout, c.s.targetTime+c.cfg.Timeout)
	}
	return c.cfg.Timeout
}

func (c *Controller) setupLocked(now time.Time, w float32) {
	c.s.stopTarget = c.s.target - c.tolerance - c.cfg.UndershootG
	c.s.attempts = 0
	c.s.flow = 0
	c.s.flowSeen = false
	c.s.mechEvents = 0

	if c.logger != nil {
		id := c.store.Int(prefs.KeyNextSessionID, 1)
		if err := c.store.PutInt(prefs.KeyNextSessionID, id+1); err != nil {
			log.Printf("[grind] failed to store next session id: %v", err)
		}
		c.logger.Begin(grindlog.Session{
			ID:            uint32(id),
			Timestamp:     c.s.start,
			Mode:          c.s.mode,
			ProfileID:     int32(c.profileID),
			TargetWeight:  c.s.target,
			TargetTime:    c.s.targetTime,
			Tolerance:     c.tolerance,
			Undershoot:    c.cfg.UndershootG,
			CoastRatio:    c.cfg.LatencyToCoastRatio,
			FlowThreshold: c.cfg.FlowDetectionGPS,
			Latency:       c.latency,
		})
		for _, e := range c.s.early {
			c.logger.AddEvent(e)
		}
		c.s.early = nil
	}
	c.switchLocked(PhaseTaring, now, w)
}

func (c *Controller) tareConfirmLocked(now time.Time, w float32) {
	switch c.scale.TareStatus() {
	case sample.TareFailed:
		log.Printf("[grind] tare failed")
		c.timeoutLocked(now, w, terminationTime)
		return
	case sample.TareDone:
	default:
		return
	}
	if ok, _ := c.scale.Settled(c.cfg.MotorSettling); !ok {
		return
	}

	c.s.startWeight = w
	c.s.lastWeight = w
	if c.logger != nil {
		c.logger.Update(func(s *grindlog.Session) { s.StartWeight = w })
	}
	if err := c.motor.Start(); err != nil {
		log.Printf("[grind] motor start failed: %v", err)
		c.timeoutLocked(now, w, terminationFault)
		return
	}
	c.s.motorStart = now
	if c.s.mode == grindlog.ModeTime {
		c.switchLocked(PhaseTimeGrinding, now, w)
		return
	}
	c.switchLocked(PhasePredictive, now, w)
}

func (c *Controller) predictiveLocked(now time.Time, w float32) {
	c.checkMechanicalLocked(now, w)

	if !c.s.flowSeen {
		if f := c.scale.FlowRate(c.cfg.FlowDetectionWindow); f >= c.cfg.FlowDetectionGPS {
			c.s.flowSeen = true
			c.s.flowAt = now
			c.s.flow = f
			log.Printf("[grind] flow detected %.2fg/s, grind latency %v", f, now.Sub(c.s.motorStart))
		}
	} else if now.Sub(c.s.flowAt) >= c.cfg.FlowWindow {
		f := max(0, c.scale.FlowRate(c.cfg.FlowWindow))
		c.s.flow = f
		if f > c.cfg.FlowDetectionGPS {
			c.s.stopTarget = StopTarget(c.s.target, c.tolerance, f, c.latency, c.cfg.LatencyToCoastRatio)
		}
	}
	c.s.stopTarget = min(c.s.stopTarget, c.s.target-c.tolerance)

	if w < c.s.stopTarget {
		return
	}
	if err := c.motor.Stop(); err != nil {
		log.Printf("[grind] motor stop failed: %v", err)
	}
	c.s.motorOnTime += now.Sub(c.s.motorStart)
	c.s.pulseFlow = c.scale.FlowRate95(c.cfg.PulseFlowWindow)
	log.Printf("[grind] predictive cutoff at %.2fg (stop target %.2fg, flow %.2fg/s, pulse flow %.2fg/s)",
		w, c.s.stopTarget, c.s.flow, c.s.pulseFlow)
	c.switchLocked(PhasePulseSettling, now, w)
}

func (c *Controller) checkMechanicalLocked(now time.Time, w float32) {
	drop := c.s.lastWeight - w
	c.s.lastWeight = w
	if drop <= c.cfg.MechanicalDropG || now.Sub(c.s.mechLast) < c.cfg.MechanicalCooldown {
		return
	}
	c.s.mechLast = now
	c.s.mechEvents++
	log.Printf("[grind] weight drop %.2fg during grinding (%d)", drop, c.s.mechEvents)
	if c.s.mechEvents == c.cfg.MechanicalEvents {
		c.s.mechFlagged = true
		log.Printf("[grind] mechanical instability detected")
	}
}

func (c *Controller) pulseDecisionLocked(now time.Time, w float32) {
	ok, settled := c.scale.Settled(c.cfg.PrecisionSettling)
	if !ok {
		return
	}
	if c.s.target-settled <= c.tolerance || c.s.attempts >= c.cfg.MaxPulseAttempts {
		c.switchLocked(PhaseFinalSettling, now, w)
		return
	}

	e := c.s.target - c.tolerance - settled
	d := PulseDuration(e, c.s.pulseFlow, c.cfg)
	if err := c.motor.Pulse(d); err != nil {
		log.Printf("[grind] pulse failed: %v", err)
		return
	}
	c.s.attempts++
	c.s.lastPulse = d
	c.s.motorOnTime += d
	log.Printf("[grind] pulse %d: %v for %.3fg at %.2fg (flow %.2fg/s)",
		c.s.attempts, d, e, settled, EffectiveFlow(c.s.pulseFlow, c.cfg))
	c.pushLocked(Event{
		Kind:          EventPulseStarted,
		Phase:         c.phase,
		PulseCount:    c.s.attempts,
		PulseDuration: ms(d),
	})
	c.switchLocked(PhasePulseExecute, now, w)
}

func (c *Controller) timeGrindingLocked(now time.Time, w float32) {
	if now.Sub(c.s.motorStart) < c.s.targetTime {
		return
	}
	if err := c.motor.Stop(); err != nil {
		log.Printf("[grind] motor stop failed: %v", err)
	}
	c.s.motorOnTime += now.Sub(c.s.motorStart)
	c.switchLocked(PhaseFinalSettling, now, w)
}

func (c *Controller) finalSettlingLocked(now time.Time, w float32) {
	if ok, _ := c.scale.Settled(c.cfg.PrecisionSettling); !ok {
		return
	}
	final := c.scale.HighLatencyOver(c.cfg.PrecisionSettling)

	result := ResultComplete
	if c.s.mode == grindlog.ModeWeight {
		err := c.s.target - final
		switch {
		case final-c.s.target > c.tolerance:
			result = ResultOvershoot
		case c.s.attempts >= c.cfg.MaxPulseAttempts && abs(err) > c.tolerance:
			result = ResultMaxPulses
		}
	}
	log.Printf("[grind] session complete: %s final=%.3fg target=%.2fg pulses=%d",
		result, final, c.s.target, c.s.attempts)

	c.switchLocked(PhaseCompleted, now, final)
	c.finishLocked(now, final, result, terminationDone)
	c.pushLocked(Event{
		Kind:        EventCompleted,
		Phase:       PhaseCompleted,
		Weight:      final,
		FinalWeight: final,
		Progress:    c.progressOf(final),
		PulseCount:  c.s.attempts,
		CanPulse:    c.canPulseLocked(),
		Mechanical:  c.s.mechFlagged,
	})
}

func (c *Controller) updateAdditionalPulse() {
	if !c.motor.PulseComplete() {
		return
	}
	now := c.clk.Now()
	if !now.After(c.s.entry) {
		return
	}
	c.s.motorOnTime += c.s.lastPulse
	c.s.entry = now
	c.setPhaseLocked(PhaseCompleted)
	w := c.scale.HighLatencyOver(c.cfg.PrecisionSettling)
	c.pushLocked(Event{Kind: EventPulseCompleted, Phase: c.phase, PulseCount: c.s.attempts})
	c.pushLocked(Event{
		Kind:        EventCompleted,
		Phase:       PhaseCompleted,
		Weight:      w,
		FinalWeight: w,
		PulseCount:  c.s.attempts,
		CanPulse:    true,
	})
}

func (c *Controller) timeoutLocked(now time.Time, w float32, termination string) {
	if err := c.motor.Stop(); err != nil {
		log.Printf("[grind] motor stop failed: %v", err)
	}
	c.scale.CancelTare()
	if c.phase == PhasePredictive || c.phase == PhaseTimeGrinding {
		c.s.motorOnTime += now.Sub(c.s.motorStart)
	}

	from := c.phase
	msg := from.String()
	if termination == terminationTime && from.grinding() && w-c.s.startWeight < c.cfg.NoWeightThresholdG {
		msg = MessageNoWeight
	}

	c.switchLocked(PhaseTimeout, now, w)
	c.finishLocked(now, w, ResultTimeout, termination)
	c.pushLocked(Event{
		Kind:            EventTimeout,
		Phase:           PhaseTimeout,
		Weight:          w,
		TimeoutPhase:    from,
		TimeoutWeight:   w,
		TimeoutProgress: c.progressOf(w),
		PulseCount:      c.s.attempts,
		Message:         msg,
	})
}

// finishLocked closes the session log and queues it for persistence.
func (c *Controller) finishLocked(now time.Time, final float32, result, termination string) {
	if c.logger == nil {
		return
	}
	c.logger.Update(func(s *grindlog.Session) {
		s.FinalWeight = final
		s.Error = final - c.s.target
		s.TotalTime = now.Sub(c.s.start)
		s.MotorOnTime = c.s.motorOnTime
		if c.s.mode == grindlog.ModeTime {
			s.TimeError = c.s.motorOnTime - c.s.targetTime
		}
		s.PulseCount = uint16(c.s.attempts)
		s.Termination = termination
		s.Result = result
	})
	rec, ok := c.logger.Finish()
	if !ok || c.flash == nil {
		return
	}
	if err := c.flash.Enqueue(grindlog.Op{
		Kind:        grindlog.OpEndSession,
		Result:      result,
		FinalWeight: final,
		PulseCount:  c.s.attempts,
		Record:      rec,
	}); err != nil {
		log.Printf("[grind] session %d not persisted: %v", rec.ID, err)
	}
}

// switchLocked finalises the phase event in progress and enters next.
func (c *Controller) switchLocked(next Phase, now time.Time, w float32) {
	if c.s.eventPending {
		e := c.s.event
		e.Duration = now.Sub(c.s.entry)
		e.EndWeight = w
		e.Loops = c.s.loops
		switch c.phase {
		case PhasePredictive:
			e.StopTarget = c.s.stopTarget
			e.FlowRate = c.s.flow
			e.Latency = c.latency
		case PhasePulseExecute:
			e.PulseDuration = c.s.lastPulse
			e.Attempt = uint16(c.s.attempts)
			e.FlowRate = c.s.pulseFlow
		case PhasePulseSettling, PhaseFinalSettling, PhaseTareConfirm:
			e.Settling = e.Duration
		}
		c.addEventLocked(e)
	}
	c.s.event = grindlog.PhaseEvent{
		Phase:       uint8(next),
		Start:       now.Sub(c.s.start),
		StartWeight: w,
	}
	c.s.eventPending = next.Active()

	log.Printf("[grind] %s -> %s at %.3fg", c.phase, next, w)
	c.setPhaseLocked(next)
	c.s.entry = now
	c.s.loops = 0
	c.emitPhaseLocked(w)
}

// addEventLocked logs e, holding back events that precede the session record
// until SETUP opens it.
func (c *Controller) addEventLocked(e grindlog.PhaseEvent) {
	switch {
	case c.logger == nil:
	case c.logger.Active():
		c.logger.AddEvent(e)
	default:
		c.s.early = append(c.s.early, e)
	}
}

// recordLocked appends a continuous measurement every few ticks.
func (c *Controller) recordLocked(now time.Time, w float32) {
	if c.logger == nil || !c.phase.logged() {
		return
	}
	n := max(c.cfg.LogEveryNTicks, 1)
	if c.s.ticks%n != 0 {
		return
	}
	prev := c.s.lastMeasured
	c.s.lastMeasured = w
	c.logger.AddMeasurement(grindlog.Measurement{
		Time:       now.Sub(c.s.start),
		Weight:     w,
		Delta:      w - prev,
		FlowRate:   c.s.flow,
		StopTarget: c.s.stopTarget,
		MotorOn:    c.motor.IsGrinding(),
		Phase:      uint8(c.phase),
	})
}

func (c *Controller) progressLocked(w float32) {
	var flow float32
	if c.phase == PhasePredictive {
		flow = c.s.flow
	}
	c.pushLocked(Event{
		Kind:       EventProgress,
		Phase:      c.phase,
		Weight:     c.scale.Display(),
		Progress:   c.progressOf(w),
		ShowTaring: c.phase == PhaseTaring || c.phase == PhaseTareConfirm,
		FlowRate:   flow,
		PulseCount: c.s.attempts,
		Mechanical: c.s.mechFlagged,
	})
}

// progressOf returns the completion percentage for weight w, or elapsed
// motor time in time mode.
func (c *Controller) progressOf(w float32) float32 {
	var p float32
	if c.s.mode == grindlog.ModeTime {
		if c.s.targetTime <= 0 {
			return 0
		}
		on := c.s.motorOnTime
		if c.phase == PhaseTimeGrinding {
			on = c.clk.Now().Sub(c.s.motorStart)
		}
		p = float32(on) / float32(c.s.targetTime) * 100
	} else if c.s.target > 0 {
		p = w / c.s.target * 100
	}
	return min(max(p, 0), 100)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
