package grind

// Phase is a grind controller state.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseSetup
	PhaseTaring
	PhaseTareConfirm
	PhasePredictive
	PhasePulseSettling
	PhasePulseDecision
	PhasePulseExecute
	PhaseFinalSettling
	PhaseTimeGrinding
	PhaseTimeAdditionalPulse
	PhaseCompleted
	PhaseTimeout
)

var phaseNames = [...]string{
	PhaseIdle:                "IDLE",
	PhaseInitializing:        "INITIALIZING",
	PhaseSetup:               "SETUP",
	PhaseTaring:              "TARING",
	PhaseTareConfirm:         "TARE_CONFIRM",
	PhasePredictive:          "PREDICTIVE",
	PhasePulseSettling:       "PULSE_SETTLING",
	PhasePulseDecision:       "PULSE_DECISION",
	PhasePulseExecute:        "PULSE_EXECUTE",
	PhaseFinalSettling:       "FINAL_SETTLING",
	PhaseTimeGrinding:        "TIME_GRINDING",
	PhaseTimeAdditionalPulse: "TIME_ADDITIONAL_PULSE",
	PhaseCompleted:           "COMPLETED",
	PhaseTimeout:             "TIMEOUT",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "UNKNOWN"
}

// Text is the short label shown to the user.
func (p Phase) Text() string {
	switch p {
	case PhaseIdle:
		return "Ready"
	case PhaseInitializing, PhaseSetup:
		return "Starting..."
	case PhaseTaring, PhaseTareConfirm:
		return "Taring..."
	case PhasePredictive, PhaseTimeGrinding:
		return "Grinding..."
	case PhasePulseSettling, PhasePulseDecision, PhasePulseExecute, PhaseTimeAdditionalPulse:
		return "Pulsing..."
	case PhaseFinalSettling:
		return "Settling..."
	case PhaseCompleted:
		return "Complete"
	case PhaseTimeout:
		return "Timeout"
	}
	return ""
}

// Active reports whether a session is running and subject to the timeout.
func (p Phase) Active() bool {
	switch p {
	case PhaseIdle, PhaseCompleted, PhaseTimeout, PhaseTimeAdditionalPulse:
		return false
	}
	return true
}

// Terminal reports whether the phase ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseTimeout
}

// failsafe reports whether the negative weight failsafe applies.
func (p Phase) failsafe() bool {
	switch p {
	case PhasePredictive, PhasePulseSettling, PhasePulseDecision, PhasePulseExecute,
		PhaseFinalSettling, PhaseTimeGrinding:
		return true
	}
	return false
}

// logged reports whether continuous measurements are recorded in the phase.
func (p Phase) logged() bool {
	switch p {
	case PhaseIdle, PhaseInitializing, PhaseSetup, PhaseCompleted, PhaseTimeout:
		return false
	}
	return true
}

// grinding reports whether weight is being delivered, used for the
// no-weight check.
func (p Phase) grinding() bool {
	return p.failsafe()
}
