// Package triage implements the START field triage decision tree: a pure,
// deterministic mapping from one vitals snapshot to a priority plus the
// ordered reasoning that produced it.
package triage

import "fmt"

// Classifier applies the staged decision tree under a Policy. It holds no
// other state, performs no I/O, and is safe for concurrent use.
type Classifier struct {
	policy Policy
}

// New returns a Classifier using the given thresholds.
func New(policy Policy) Classifier {
	return Classifier{policy: policy}
}

// Classify runs the package-default thresholds. See Classifier.Classify.
func Classify(v VitalsSnapshot) (Priority, ReasoningTrace) {
	return New(DefaultPolicy()).Classify(v)
}

// Classify evaluates the gates in fixed order; the first matching gate wins
// and its step closes the trace. Every snapshot maps to exactly one priority:
// an observation recorded as unknown at a gate that needs it takes the more
// severe branch, never the benign one, so incomplete data cannot under-triage.
func (c Classifier) Classify(v VitalsSnapshot) (Priority, ReasoningTrace) {
	var trace ReasoningTrace

	decide := func(gate Gate, finding string, p Priority) (Priority, ReasoningTrace) {
		trace = append(trace, TraceStep{Gate: gate, Finding: finding, Decided: true, Priority: p})
		return p, trace
	}
	pass := func(gate Gate, finding string) {
		trace = append(trace, TraceStep{Gate: gate, Finding: finding})
	}

	// Mobility: a casualty walking under their own power is tagged and
	// deferred before any vitals are weighed.
	if v.Ambulatory {
		return decide(GateMobility, "walking under own power", PriorityMinor)
	}
	pass(GateMobility, "not ambulatory")

	// Respiration. An absent observation means one airway reposition was
	// already attempted upstream; still absent is the one finding that
	// closes as expectant. An unassessed airway escalates to immediate
	// instead: expectant demands a confirmed observation.
	switch v.Breathing {
	case BreathingAbsent:
		return decide(GateRespiration, "breathing absent after airway reposition", PriorityExpectant)
	case BreathingNormal:
		if v.RespiratoryRate != nil {
			if reason, out := c.respRateOutOfBand(*v.RespiratoryRate, v.AgeGroup); out {
				return decide(GateRespiration, reason, PriorityImmediate)
			}
			pass(GateRespiration, fmt.Sprintf("breathing normal, rate %d/min within band", *v.RespiratoryRate))
		} else {
			pass(GateRespiration, "breathing normal, rate not measured")
		}
	case BreathingLabored:
		if v.RespiratoryRate == nil {
			return decide(GateRespiration, "labored breathing, rate not measured", PriorityImmediate)
		}
		if reason, out := c.respRateOutOfBand(*v.RespiratoryRate, v.AgeGroup); out {
			return decide(GateRespiration, reason, PriorityImmediate)
		}
		pass(GateRespiration, fmt.Sprintf("labored breathing, rate %d/min within band", *v.RespiratoryRate))
	default:
		return decide(GateRespiration, "breathing not assessed", PriorityImmediate)
	}

	// Circulation: absent radial pulse or slow capillary refill.
	switch v.RadialPulse {
	case RadialPulseAbsent:
		return decide(GateCirculation, "radial pulse absent", PriorityImmediate)
	case RadialPulsePresent:
		if v.CapillaryRefillSeconds != nil && *v.CapillaryRefillSeconds > c.policy.CapRefillMaxSeconds {
			return decide(GateCirculation,
				fmt.Sprintf("capillary refill %.1fs over %.1fs", *v.CapillaryRefillSeconds, c.policy.CapRefillMaxSeconds),
				PriorityImmediate)
		}
		if v.CapillaryRefillSeconds != nil {
			pass(GateCirculation, fmt.Sprintf("radial pulse present, refill %.1fs", *v.CapillaryRefillSeconds))
		} else {
			pass(GateCirculation, "radial pulse present")
		}
	default:
		return decide(GateCirculation, "radial pulse not assessed", PriorityImmediate)
	}

	// Mental status: anything short of following a simple command.
	switch v.Consciousness {
	case ConsciousnessAlert:
		pass(GateMentalStatus, "alert, follows commands")
	case ConsciousnessVerbal, ConsciousnessPain, ConsciousnessUnresponsive:
		return decide(GateMentalStatus, fmt.Sprintf("consciousness %s", v.Consciousness), PriorityImmediate)
	default:
		return decide(GateMentalStatus, "consciousness not assessed", PriorityImmediate)
	}

	return decide(GateDefault, "all gates passed", PriorityDelayed)
}

// respRateOutOfBand checks rate against the band for the age group. An
// unknown age applies the union of both bands, escalating when either would.
func (c Classifier) respRateOutOfBand(rate int, age AgeGroup) (string, bool) {
	switch age {
	case AgeGroupChild:
		if rate > c.policy.ChildRespRateMax {
			return fmt.Sprintf("respiratory rate %d/min above child limit %d", rate, c.policy.ChildRespRateMax), true
		}
		if rate < c.policy.ChildRespRateMin {
			return fmt.Sprintf("respiratory rate %d/min below child limit %d", rate, c.policy.ChildRespRateMin), true
		}
	case AgeGroupAdult:
		if rate > c.policy.AdultRespRateMax {
			return fmt.Sprintf("respiratory rate %d/min above adult limit %d", rate, c.policy.AdultRespRateMax), true
		}
	default:
		if rate > c.policy.AdultRespRateMax {
			return fmt.Sprintf("respiratory rate %d/min above adult limit %d, age unestimated", rate, c.policy.AdultRespRateMax), true
		}
		if rate > c.policy.ChildRespRateMax {
			return fmt.Sprintf("respiratory rate %d/min above child limit %d, age unestimated", rate, c.policy.ChildRespRateMax), true
		}
		if rate < c.policy.ChildRespRateMin {
			return fmt.Sprintf("respiratory rate %d/min below child limit %d, age unestimated", rate, c.policy.ChildRespRateMin), true
		}
	}
	return "", false
}
