package silo

import "testing"

func TestPhaseCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseCreated, PhaseStarting, true},
		{PhaseCreated, PhaseRunning, false},
		{PhaseStarting, PhaseRunning, true},
		{PhaseStarting, PhaseFaulted, true},
		{PhaseStarting, PhaseStopped, true},
		{PhaseRunning, PhaseStopped, true},
		{PhaseRunning, PhaseFaulted, true},
		{PhaseRunning, PhaseStarting, false},
		{PhaseFaulted, PhaseStopped, true},
		{PhaseFaulted, PhaseRunning, false},
		{PhaseStopped, PhaseRunning, false},
		{PhaseStopped, PhaseFaulted, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			t.Parallel()
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}
