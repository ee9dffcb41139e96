package triage

// Priority is the START triage category. Clinical urgency orders
// Immediate > Delayed > Minor; Expectant is the terminal non-survivable
// class, not a lesser urgency.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityDelayed   Priority = "delayed"
	PriorityMinor     Priority = "minor"
	PriorityExpectant Priority = "expectant"
)

// Color returns the conventional tag color for the priority.
func (p Priority) Color() string {
	switch p {
	case PriorityImmediate:
		return "red"
	case PriorityDelayed:
		return "yellow"
	case PriorityMinor:
		return "green"
	case PriorityExpectant:
		return "black"
	}
	return ""
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityImmediate, PriorityDelayed, PriorityMinor, PriorityExpectant:
		return true
	}
	return false
}

// Breathing is the observed respiration state. Unknown means not assessed;
// the classifier escalates rather than assuming the benign branch.
type Breathing string

const (
	BreathingUnknown Breathing = "unknown"
	BreathingAbsent  Breathing = "absent"
	BreathingLabored Breathing = "labored"
	BreathingNormal  Breathing = "normal"
)

func (b Breathing) Valid() bool {
	switch b {
	case BreathingUnknown, BreathingAbsent, BreathingLabored, BreathingNormal:
		return true
	}
	return false
}

// RadialPulse is the observed radial pulse state.
type RadialPulse string

const (
	RadialPulseUnknown RadialPulse = "unknown"
	RadialPulsePresent RadialPulse = "present"
	RadialPulseAbsent  RadialPulse = "absent"
)

func (r RadialPulse) Valid() bool {
	switch r {
	case RadialPulseUnknown, RadialPulsePresent, RadialPulseAbsent:
		return true
	}
	return false
}

// Consciousness is the AVPU mental-status observation.
type Consciousness string

const (
	ConsciousnessUnknown      Consciousness = "unknown"
	ConsciousnessAlert        Consciousness = "alert"
	ConsciousnessVerbal       Consciousness = "verbal"
	ConsciousnessPain         Consciousness = "pain"
	ConsciousnessUnresponsive Consciousness = "unresponsive"
)

func (c Consciousness) Valid() bool {
	switch c {
	case ConsciousnessUnknown, ConsciousnessAlert, ConsciousnessVerbal, ConsciousnessPain, ConsciousnessUnresponsive:
		return true
	}
	return false
}

// AgeGroup selects the respiratory-rate band. Unknown applies the union of
// both bands so an unestimated age never under-triages.
type AgeGroup string

const (
	AgeGroupUnknown AgeGroup = "unknown"
	AgeGroupChild   AgeGroup = "child"
	AgeGroupAdult   AgeGroup = "adult"
)

func (a AgeGroup) Valid() bool {
	switch a {
	case AgeGroupUnknown, AgeGroupChild, AgeGroupAdult:
		return true
	}
	return false
}

// VitalsSnapshot is one field assessment of a casualty. Enumerated fields
// carry an explicit unknown value; numeric fields are nil when not measured.
// Consumed once per classification, then embedded in the record it produced.
type VitalsSnapshot struct {
	Ambulatory              bool          `json:"ambulatory"`
	Breathing               Breathing     `json:"breathing"`
	RespiratoryRate         *int          `json:"respiratory_rate,omitempty"`
	RadialPulse             RadialPulse   `json:"radial_pulse"`
	CapillaryRefillSeconds  *float64      `json:"capillary_refill_seconds,omitempty"`
	Consciousness           Consciousness `json:"consciousness"`
	AgeGroup                AgeGroup      `json:"age_group"`
	InjuryNotes             string        `json:"injury_notes,omitempty"`
}

// Normalized returns a copy with unset categorical observations rewritten to
// their explicit unknown values, so a stored snapshot never relies on zero
// values to mean "not assessed".
func (v VitalsSnapshot) Normalized() VitalsSnapshot {
	if v.Breathing == "" {
		v.Breathing = BreathingUnknown
	}
	if v.RadialPulse == "" {
		v.RadialPulse = RadialPulseUnknown
	}
	if v.Consciousness == "" {
		v.Consciousness = ConsciousnessUnknown
	}
	if v.AgeGroup == "" {
		v.AgeGroup = AgeGroupUnknown
	}
	return v
}

// Gate names a stage of the decision tree.
type Gate string

const (
	GateMobility     Gate = "mobility"
	GateRespiration  Gate = "respiration"
	GateCirculation  Gate = "circulation"
	GateMentalStatus Gate = "mental_status"
	GateDefault      Gate = "default"
)

// TraceStep records one evaluated gate: the finding it observed and, when
// the gate decided, the priority it assigned.
type TraceStep struct {
	Gate     Gate     `json:"gate"`
	Finding  string   `json:"finding"`
	Decided  bool     `json:"decided"`
	Priority Priority `json:"priority,omitempty"`
}

// ReasoningTrace is the ordered list of steps that produced a priority.
// The deciding step is always last.
type ReasoningTrace []TraceStep
