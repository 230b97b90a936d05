package resource

import (
	"testing"
	"time"
)

func sampleCPU(frac float64) Sample {
	return Sample{CPUFraction: frac, Taken: time.Now()}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds(500)
	tests := []struct {
		name   string
		sample Sample
		want   State
	}{
		{"idle", Sample{CPUFraction: 0.1, MemoryMb: 100}, Normal},
		{"cpu elevated", Sample{CPUFraction: 0.75}, Elevated},
		{"cpu throttled", Sample{CPUFraction: 0.87}, Throttled},
		{"cpu critical", Sample{CPUFraction: 0.99}, Critical},
		{"memory elevated", Sample{MemoryMb: 360}, Elevated},
		{"memory throttled", Sample{MemoryMb: 460}, Throttled},
		{"memory critical", Sample{MemoryMb: 560}, Critical},
		{"backlog elevated", Sample{Backlog: 20}, Elevated},
		{"backlog throttled", Sample{Backlog: 50}, Throttled},
		{"worst metric wins", Sample{CPUFraction: 0.75, MemoryMb: 560}, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.classify(tt.sample); got != tt.want {
				t.Errorf("classify(%+v) = %s, want %s", tt.sample, got, tt.want)
			}
		})
	}
}

func TestTracker_ImmediateDowngrade(t *testing.T) {
	tr := NewTracker(DefaultThresholds(500), 3)

	transition, changed := tr.Observe(sampleCPU(0.9))
	if !changed {
		t.Fatal("expected immediate downgrade")
	}
	if transition.From != Normal || transition.To != Throttled {
		t.Errorf("transition %s → %s, want normal → throttled", transition.From, transition.To)
	}
	if tr.State() != Throttled {
		t.Errorf("state = %s, want throttled", tr.State())
	}
}

func TestTracker_SingleTransitionPerBreach(t *testing.T) {
	tr := NewTracker(DefaultThresholds(500), 3)

	changes := 0
	for i := 0; i < 5; i++ {
		if _, changed := tr.Observe(sampleCPU(0.9)); changed {
			changes++
		}
	}
	if changes != 1 {
		t.Errorf("sustained load produced %d transitions, want 1", changes)
	}
}

func TestTracker_RecoveryNeedsConsecutiveCleanSamples(t *testing.T) {
	tr := NewTracker(DefaultThresholds(500), 3)
	tr.Observe(sampleCPU(0.9)) // → throttled

	// Two clean samples: not enough.
	for i := 0; i < 2; i++ {
		if _, changed := tr.Observe(sampleCPU(0.1)); changed {
			t.Fatal("upgraded before the recovery window elapsed")
		}
	}
	// A relapse resets the count.
	tr.Observe(sampleCPU(0.9))
	for i := 0; i < 2; i++ {
		if _, changed := tr.Observe(sampleCPU(0.1)); changed {
			t.Fatal("relapse did not reset the recovery count")
		}
	}
	// Third consecutive clean sample upgrades one level.
	transition, changed := tr.Observe(sampleCPU(0.1))
	if !changed {
		t.Fatal("expected upgrade after 3 clean samples")
	}
	if transition.To != Elevated {
		t.Errorf("upgrade went to %s, want one step to elevated", transition.To)
	}
}

func TestTracker_UpgradesOneStepAtATime(t *testing.T) {
	tr := NewTracker(DefaultThresholds(500), 1)
	tr.Observe(sampleCPU(0.99)) // → critical

	steps := []State{Throttled, Elevated, Normal}
	for _, want := range steps {
		transition, changed := tr.Observe(sampleCPU(0.1))
		if !changed {
			t.Fatalf("expected upgrade toward %s", want)
		}
		if transition.To != want {
			t.Errorf("upgraded to %s, want %s", transition.To, want)
		}
	}
	if tr.State() != Normal {
		t.Errorf("final state = %s, want normal", tr.State())
	}
}

func TestTracker_DowngradeJumpsDirectly(t *testing.T) {
	tr := NewTracker(DefaultThresholds(500), 3)
	transition, changed := tr.Observe(sampleCPU(0.99))
	if !changed || transition.To != Critical {
		t.Fatalf("normal → critical should happen in one observation, got %+v", transition)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		Normal: "normal", Elevated: "elevated", Throttled: "throttled", Critical: "critical",
	} {
		if state.String() != want {
			t.Errorf("%d.String() = %s, want %s", state, state.String(), want)
		}
	}
}
