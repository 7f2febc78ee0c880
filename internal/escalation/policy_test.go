package escalation

import (
	"testing"
	"time"

	"kabanda/internal/task"
)

func TestLevel_DefaultOrdering(t *testing.T) {
	p := Default()
	cases := []struct {
		count int
		want  int
	}{
		{0, 1}, {1, 1},
		{2, 2}, {3, 2},
		{4, 3}, {5, 3}, {17, 3},
	}
	for _, tc := range cases {
		if got := p.Level(tc.count, task.PriorityMedium); got != tc.want {
			t.Errorf("Level(%d, medium) = %d, want %d", tc.count, got, tc.want)
		}
	}
}

func TestLevel_UrgentEscalatesAfterSingleMiss(t *testing.T) {
	p := Default()
	if got := p.Level(1, task.PriorityUrgent); got != 2 {
		t.Errorf("Level(1, urgent) = %d, want 2", got)
	}
	if got := p.Level(0, task.PriorityUrgent); got != 1 {
		t.Errorf("Level(0, urgent) = %d, want 1", got)
	}
	// The level-3 boundary is priority-independent.
	if got := p.Level(4, task.PriorityUrgent); got != 3 {
		t.Errorf("Level(4, urgent) = %d, want 3", got)
	}
}

func TestDelay_FloorIsEnforced(t *testing.T) {
	p := New(Config{
		InitialInterval: time.Minute,
		RepeatInterval:  time.Second,
		FloorInterval:   10 * time.Minute,
	})
	for _, count := range []int{1, 2, 4, 100} {
		if got := p.Delay(count, task.PriorityMedium); got < 10*time.Minute {
			t.Errorf("Delay(%d) = %v, below the 10m floor", count, got)
		}
	}
}

func TestDelay_Defaults(t *testing.T) {
	p := Default()
	if got := p.Delay(1, task.PriorityMedium); got != 10*time.Minute {
		t.Errorf("Delay(1) = %v, want 10m", got)
	}
	if got := p.Delay(4, task.PriorityMedium); got != 10*time.Minute {
		t.Errorf("Delay(4) = %v, want 10m", got)
	}
}

func TestNew_RepairsDegenerateTable(t *testing.T) {
	p := New(Config{Level2Threshold: 3, Level3Threshold: 2})
	if got := p.Level(3, task.PriorityMedium); got != 2 {
		t.Errorf("Level(3) = %d, want 2 after threshold repair", got)
	}
	if got := p.Level(5, task.PriorityMedium); got != 3 {
		t.Errorf("Level(5) = %d, want 3 after threshold repair", got)
	}
}
