package driver

import (
	"fmt"
	"time"
)

// TestType selects the user ramp profile of a run.
type TestType string

// Supported test types.
const (
	TestTypeLoad      TestType = "load"
	TestTypeStress    TestType = "stress"
	TestTypeSpike     TestType = "spike"
	TestTypeEndurance TestType = "endurance"
)

// stressSteps is the number of cohorts a stress run ramps through.
const stressSteps = 4

// ParseTestType validates a test type name.
func ParseTestType(s string) (TestType, error) {
	switch tt := TestType(s); tt {
	case TestTypeLoad, TestTypeStress, TestTypeSpike, TestTypeEndurance:
		return tt, nil
	default:
		return "", fmt.Errorf("unknown test type %q", s)
	}
}

// Schedule holds each virtual user's start offset and the point after which
// no new requests are issued.
type Schedule struct {
	Offsets []time.Duration
	End     time.Duration
}

// BuildSchedule computes start offsets for users virtual users.
//
//   - load, endurance: user i starts at i*rampUp/users; end is rampUp+duration.
//   - stress: users join in four cohorts at rampUp/4, rampUp/2, 3*rampUp/4 and
//     rampUp, each raising the active total to ceil(users*k/4).
//   - spike: every user starts at zero and the run ends after duration.
func BuildSchedule(tt TestType, users int, duration, rampUp time.Duration) (Schedule, error) {
	if users < 1 {
		return Schedule{}, fmt.Errorf("users must be >= 1, got %d", users)
	}

	if duration <= 0 {
		return Schedule{}, fmt.Errorf("duration must be positive, got %s", duration)
	}

	if rampUp < 0 {
		return Schedule{}, fmt.Errorf("ramp up must not be negative, got %s", rampUp)
	}

	offsets := make([]time.Duration, users)

	switch tt {
	case TestTypeLoad, TestTypeEndurance:
		for i := range offsets {
			offsets[i] = time.Duration(int64(rampUp) * int64(i) / int64(users))
		}

		return Schedule{Offsets: offsets, End: rampUp + duration}, nil

	case TestTypeStress:
		if rampUp > 0 {
			for i := range offsets {
				offsets[i] = time.Duration(int64(rampUp) * int64(stressCohort(i, users)) / stressSteps)
			}
		}

		return Schedule{Offsets: offsets, End: rampUp + duration}, nil

	case TestTypeSpike:
		return Schedule{Offsets: offsets, End: duration}, nil

	default:
		return Schedule{}, fmt.Errorf("unknown test type %q", tt)
	}
}

// stressCohort returns the 1-based cohort k that user i joins with: the
// smallest k for which i < ceil(users*k/4).
func stressCohort(i, users int) int {
	for k := 1; k < stressSteps; k++ {
		if i < (users*k+stressSteps-1)/stressSteps {
			return k
		}
	}

	return stressSteps
}
