package tasks_test

import (
	"testing"
	"time"

	"github.com/geocoder89/fleetrunner/internal/tasks"
)

func TestBackoffPolicyDelay(t *testing.T) {
	policy := tasks.BackoffPolicy{Base: 2, Max: 30}

	tests := []struct {
		retriesDone int
		minSec      float64
	}{
		{retriesDone: 0, minSec: 2},
		{retriesDone: 1, minSec: 4},
		{retriesDone: 2, minSec: 8},
		{retriesDone: 3, minSec: 16},
	}

	for _, tc := range tests {
		// jitter is random, sample a few times
		for i := 0; i < 20; i++ {
			d := policy.Delay(tc.retriesDone)

			lo := time.Duration(tc.minSec * float64(time.Second))
			hi := time.Duration((tc.minSec + 1) * float64(time.Second))

			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", tc.retriesDone, d, lo, hi)
			}
		}
	}
}

func TestBackoffPolicyDelayClampsAtMax(t *testing.T) {
	policy := tasks.BackoffPolicy{Base: 2, Max: 30}

	for i := 0; i < 20; i++ {
		d := policy.Delay(10)

		if d < 30*time.Second || d > 31*time.Second {
			t.Fatalf("Delay(10) = %v, want clamped to [30s, 31s]", d)
		}
	}
}
