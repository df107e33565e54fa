package jobqueue

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	// Deep attempts must stay capped.
	for attempt := 4; attempt < 40; attempt++ {
		if b := backoffWithJitter(base, max, attempt); b > max {
			t.Fatalf("attempt %d exceeded cap: %s", attempt, b)
		}
	}
}

func TestBackoffWithJitterZeroAttempt(t *testing.T) {
	if b := backoffWithJitter(time.Second, time.Minute, 0); b != time.Second {
		t.Fatalf("attempt 0 should return base, got %s", b)
	}
}
