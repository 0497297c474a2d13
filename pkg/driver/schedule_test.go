package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSchedule(t *testing.T) {
	s := time.Second

	tests := []struct {
		name        string
		tt          TestType
		users       int
		duration    time.Duration
		rampUp      time.Duration
		wantOffsets []time.Duration
		wantEnd     time.Duration
	}{
		{
			name: "load linear ramp", tt: TestTypeLoad, users: 4,
			duration: 10 * s, rampUp: 8 * s,
			wantOffsets: []time.Duration{0, 2 * s, 4 * s, 6 * s},
			wantEnd:     18 * s,
		},
		{
			name: "load no ramp", tt: TestTypeLoad, users: 3,
			duration: 5 * s, rampUp: 0,
			wantOffsets: []time.Duration{0, 0, 0},
			wantEnd:     5 * s,
		},
		{
			name: "endurance matches load", tt: TestTypeEndurance, users: 2,
			duration: 60 * s, rampUp: 10 * s,
			wantOffsets: []time.Duration{0, 5 * s},
			wantEnd:     70 * s,
		},
		{
			name: "stress quarters", tt: TestTypeStress, users: 8,
			duration: 10 * s, rampUp: 4 * s,
			wantOffsets: []time.Duration{s, s, 2 * s, 2 * s, 3 * s, 3 * s, 4 * s, 4 * s},
			wantEnd:     14 * s,
		},
		{
			name: "stress uneven cohorts reach exact total", tt: TestTypeStress, users: 5,
			duration: 10 * s, rampUp: 4 * s,
			wantOffsets: []time.Duration{s, s, 2 * s, 3 * s, 4 * s},
			wantEnd:     14 * s,
		},
		{
			name: "stress without ramp", tt: TestTypeStress, users: 3,
			duration: 2 * s, rampUp: 0,
			wantOffsets: []time.Duration{0, 0, 0},
			wantEnd:     2 * s,
		},
		{
			name: "spike ignores ramp", tt: TestTypeSpike, users: 3,
			duration: 7 * s, rampUp: 30 * s,
			wantOffsets: []time.Duration{0, 0, 0},
			wantEnd:     7 * s,
		},
		{
			name: "single user", tt: TestTypeLoad, users: 1,
			duration: s, rampUp: 10 * s,
			wantOffsets: []time.Duration{0},
			wantEnd:     11 * s,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := BuildSchedule(tt.tt, tt.users, tt.duration, tt.rampUp)
			require.NoError(t, err)

			assert.Equal(t, tt.wantOffsets, sched.Offsets)
			assert.Equal(t, tt.wantEnd, sched.End)
		})
	}
}

func TestBuildSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		tt       TestType
		users    int
		duration time.Duration
		rampUp   time.Duration
	}{
		{name: "zero users", tt: TestTypeLoad, users: 0, duration: time.Second},
		{name: "zero duration", tt: TestTypeLoad, users: 1},
		{name: "negative ramp", tt: TestTypeLoad, users: 1, duration: time.Second, rampUp: -time.Second},
		{name: "unknown type", tt: "soak", users: 1, duration: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSchedule(tt.tt, tt.users, tt.duration, tt.rampUp)
			assert.Error(t, err)
		})
	}
}

func TestParseTestType(t *testing.T) {
	for _, name := range []string{"load", "stress", "spike", "endurance"} {
		tt, err := ParseTestType(name)
		require.NoError(t, err)
		assert.Equal(t, TestType(name), tt)
	}

	_, err := ParseTestType("Load")
	assert.Error(t, err)
}
