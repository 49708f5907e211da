package retry

import (
	"testing"
	"time"
)

func TestDelay_ExponentialGrowth(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempts); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestDelay_CappedAtMax(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute}

	if got := p.Delay(20); got != 5*time.Minute {
		t.Errorf("Delay(20) = %s, want cap %s", got, 5*time.Minute)
	}
	// Large exponents must not overflow into negative durations.
	if got := p.Delay(200); got != 5*time.Minute {
		t.Errorf("Delay(200) = %s, want cap %s", got, 5*time.Minute)
	}
}

func TestDelay_JitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, MaxDelay: 5 * time.Minute, JitterPercent: 0.5}

	for i := 0; i < 200; i++ {
		got := p.Delay(1) // nominal 20s, jitter ±10s
		if got < 10*time.Second || got > 30*time.Second {
			t.Fatalf("jittered delay %s outside [10s, 30s]", got)
		}
	}
}

func TestDelay_JitterClampsToOneSecond(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Minute, JitterPercent: 1.0}

	for i := 0; i < 200; i++ {
		if got := p.Delay(0); got < time.Second {
			t.Fatalf("jittered delay %s below one second floor", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		attempts   int
		maxRetries int
		want       bool
	}{
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{0, 0, false},
	}
	for _, tc := range cases {
		if got := ShouldRetry(tc.attempts, tc.maxRetries); got != tc.want {
			t.Errorf("ShouldRetry(%d, %d) = %v, want %v", tc.attempts, tc.maxRetries, got, tc.want)
		}
	}
}
