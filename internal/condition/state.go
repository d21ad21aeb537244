package condition

// Phase is the per-condition state machine position from spec §4.5.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseArmed
)

// Active is the runtime bookkeeping for one condition in an activated
// matrix: trigger state, pacing timestamps and the de-dup bitset index.
type Active struct {
	Index int // position in Matrix.Conditions, also the consumed-bitset index
	Spec  *Condition

	Phase              Phase
	CurrentlyTrue      bool
	PreviouslyTrue     bool
	InputChanged       bool
	StaticResolved     bool // static conditions evaluate once and latch
	HasTriggered       bool // false until the first real arm; gates MinPublishIntervalMs
	LastTriggerMs      uint64
	LastDataTsPublished uint64
	EventCounter       uint32
}

// NewActive builds the zero-value runtime state for a condition at matrix
// activation time.
func NewActive(index int, spec *Condition) *Active {
	return &Active{Index: index, Spec: spec}
}

// ShouldEvaluate reports whether this tick's evaluation should run it,
// per spec §4.5 step 2's gating rule.
func (a *Active) ShouldEvaluate() bool {
	if a.Spec.IsStatic {
		return !a.StaticResolved
	}
	return (a.InputChanged) || a.Spec.AlwaysEvaluate
}

// RecordResult updates trigger-edge bookkeeping after an evaluation pass.
func (a *Active) RecordResult(result bool) {
	a.PreviouslyTrue = a.CurrentlyTrue
	a.CurrentlyTrue = result
	a.InputChanged = false
	if a.Spec.IsStatic {
		a.StaticResolved = true
	}
}

// CanArm reports whether this condition should transition IDLE -> ARMED
// given the current tick's timestamp, per spec §4.5 step 2.
func (a *Active) CanArm(nowMs uint64) bool {
	if a.Phase != PhaseIdle || !a.CurrentlyTrue {
		return false
	}
	if a.HasTriggered && nowMs < a.LastTriggerMs+a.Spec.MinPublishIntervalMs {
		return false
	}
	if a.Spec.TriggerOnlyOnRisingEdge && a.PreviouslyTrue {
		return false
	}
	return true
}

// Arm transitions the condition to ARMED, resetting the trigger clock.
func (a *Active) Arm(nowMs uint64) {
	a.Phase = PhaseArmed
	a.LastTriggerMs = nowMs
	a.HasTriggered = true
}

// ReadyToPublish reports whether after-duration has elapsed since arming.
func (a *Active) ReadyToPublish(nowMs uint64) bool {
	return a.Phase == PhaseArmed && nowMs >= a.LastTriggerMs+a.Spec.AfterDurationMs
}

// RemainingWaitMs is how long until this armed condition is ready to
// publish, used to size the engine's next idle sleep.
func (a *Active) RemainingWaitMs(nowMs uint64) uint64 {
	deadline := a.LastTriggerMs + a.Spec.AfterDurationMs
	if nowMs >= deadline {
		return 0
	}
	return deadline - nowMs
}

// Publish clears ARMED back to IDLE after a snapshot was enqueued.
func (a *Active) Publish() {
	a.Phase = PhaseIdle
}

// MarkInputChanged flags that a bound buffer or window changed this tick.
func (a *Active) MarkInputChanged() {
	a.InputChanged = true
}
