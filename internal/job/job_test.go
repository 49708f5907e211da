package job

import (
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	for _, v := range []string{"pending", "scheduled", "processing", "completed", "dead", "cancelled"} {
		if _, err := ParseState(v); err != nil {
			t.Errorf("ParseState(%q): %v", v, err)
		}
	}
	if _, err := ParseState("failed"); err == nil {
		t.Error("ParseState(failed) should be rejected — failed is history-only")
	}
}

func TestPriorityWeightOrdering(t *testing.T) {
	order := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(order); i++ {
		if order[i-1].Weight() <= order[i].Weight() {
			t.Errorf("%s weight %d not greater than %s weight %d",
				order[i-1], order[i-1].Weight(), order[i], order[i].Weight())
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateDead, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateScheduled, StateProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestReadyToClaim(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		j    Job
		want bool
	}{
		{"pending no run_at", Job{State: StatePending}, true},
		{"pending past run_at", Job{State: StatePending, RunAt: &past}, true},
		{"pending future run_at", Job{State: StatePending, RunAt: &future}, false},
		{"scheduled", Job{State: StateScheduled}, false},
		{"processing", Job{State: StateProcessing}, false},
	}
	for _, tc := range cases {
		if got := tc.j.ReadyToClaim(now); got != tc.want {
			t.Errorf("%s: ReadyToClaim = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHasTimedOut(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	if !(&Job{State: StateProcessing, DeadlineAt: &past}).HasTimedOut(now) {
		t.Error("processing job past deadline should be timed out")
	}
	if (&Job{State: StateProcessing, DeadlineAt: &future}).HasTimedOut(now) {
		t.Error("processing job before deadline should not be timed out")
	}
	if (&Job{State: StatePending, DeadlineAt: &past}).HasTimedOut(now) {
		t.Error("pending job is never timed out")
	}
}
