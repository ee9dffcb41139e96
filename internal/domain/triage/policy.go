package triage

// Default thresholds: START for adults, the JumpSTART band for children.
const (
	DefaultAdultRespRateMax    = 30
	DefaultChildRespRateMin    = 15
	DefaultChildRespRateMax    = 45
	DefaultCapRefillMaxSeconds = 2.0
)

// Policy holds the numeric thresholds the classifier applies. The zero value
// is not usable; start from DefaultPolicy and override fields as needed.
type Policy struct {
	AdultRespRateMax    int
	ChildRespRateMin    int
	ChildRespRateMax    int
	CapRefillMaxSeconds float64
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AdultRespRateMax:    DefaultAdultRespRateMax,
		ChildRespRateMin:    DefaultChildRespRateMin,
		ChildRespRateMax:    DefaultChildRespRateMax,
		CapRefillMaxSeconds: DefaultCapRefillMaxSeconds,
	}
}
