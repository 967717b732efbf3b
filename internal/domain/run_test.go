package domain

import "testing"

func TestCanTransitionRun(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunNotStarted, RunInProgress, true},
		{RunNotStarted, RunCompleted, false},
		{RunInProgress, RunHalted, true},
		{RunInProgress, RunCompleted, true},
		{RunHalted, RunInProgress, true},
		{RunHalted, RunCompleted, false},
		{RunCompleted, RunInProgress, false},
		{RunCompleted, RunCompleted, true},
		{"", RunInProgress, false},
	}
	for _, tc := range cases {
		if got := CanTransitionRun(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionRun(%s,%s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAttemptStatusMapping(t *testing.T) {
	cases := map[AttemptStatus]StepStatus{
		AttemptRunning:    StepRunning,
		AttemptSucceeded:  StepDone,
		AttemptReconciled: StepDone,
		AttemptRetrying:   StepPending,
		AttemptRejected:   StepFailed,
		AttemptFailed:     StepFailed,
	}
	for attempt, want := range cases {
		if got := attempt.StepStatus(); got != want {
			t.Fatalf("%s.StepStatus()=%s, want %s", attempt, got, want)
		}
	}
}

func TestNormalizeRunStatus(t *testing.T) {
	if got := NormalizeRunStatus(" Halted "); got != RunHalted {
		t.Fatalf("NormalizeRunStatus()=%q, want halted", got)
	}
	if got := NormalizeRunStatus("bogus"); got != "" {
		t.Fatalf("NormalizeRunStatus()=%q, want empty", got)
	}
}
