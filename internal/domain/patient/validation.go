package patient

import "github.com/fieldtriage/fieldtriage/internal/domain/triage"

const (
	maxNameLen       = 200
	maxTagNumberLen  = 64
	maxNotesLen      = 4000
	maxApproxAge     = 130
	maxRespRate      = 120
	maxRefillSeconds = 60.0
	validSexValues   = "unknown, female, male, other"
)

func validSex(sex string) bool {
	switch sex {
	case "", "unknown", "female", "male", "other":
		return true
	}
	return false
}

func validateDemographics(d Demographics) error {
	if len(d.Name) > maxNameLen {
		return invalidf("demographics.name", "longer than %d characters", maxNameLen)
	}
	if d.ApproxAge != nil && (*d.ApproxAge < 0 || *d.ApproxAge > maxApproxAge) {
		return invalidf("demographics.approx_age", "must be between 0 and %d", maxApproxAge)
	}
	if !validSex(d.Sex) {
		return invalidf("demographics.sex", "must be one of %s", validSexValues)
	}
	if len(d.TagNumber) > maxTagNumberLen {
		return invalidf("demographics.tag_number", "longer than %d characters", maxTagNumberLen)
	}
	if len(d.Notes) > maxNotesLen {
		return invalidf("demographics.notes", "longer than %d characters", maxNotesLen)
	}
	return nil
}

// validateVitals expects a normalized snapshot, so empty categorical fields
// have already been rewritten to their explicit unknown values.
func validateVitals(v triage.VitalsSnapshot) error {
	if !v.Breathing.Valid() {
		return invalidf("vitals.breathing", "unrecognized value %q", v.Breathing)
	}
	if !v.RadialPulse.Valid() {
		return invalidf("vitals.radial_pulse", "unrecognized value %q", v.RadialPulse)
	}
	if !v.Consciousness.Valid() {
		return invalidf("vitals.consciousness", "unrecognized value %q", v.Consciousness)
	}
	if !v.AgeGroup.Valid() {
		return invalidf("vitals.age_group", "unrecognized value %q", v.AgeGroup)
	}
	if v.RespiratoryRate != nil && (*v.RespiratoryRate < 0 || *v.RespiratoryRate > maxRespRate) {
		return invalidf("vitals.respiratory_rate", "must be between 0 and %d", maxRespRate)
	}
	if v.CapillaryRefillSeconds != nil && (*v.CapillaryRefillSeconds < 0 || *v.CapillaryRefillSeconds > maxRefillSeconds) {
		return invalidf("vitals.capillary_refill_seconds", "must be between 0 and %.0f", maxRefillSeconds)
	}
	if len(v.InjuryNotes) > maxNotesLen {
		return invalidf("vitals.injury_notes", "longer than %d characters", maxNotesLen)
	}
	return nil
}
