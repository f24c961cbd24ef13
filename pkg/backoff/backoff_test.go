package backoff

import (
	"testing"
	"time"
)

func TestNextAttemptGrowsUpToCap(t *testing.T) {
	policy := Policy{
		MaxAttempts:    6,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		JitterFraction: 0,
	}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for idx, want := range expected {
		attempt := idx + 1
		if got := policy.NextAttempt(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestNextAttemptJitterStaysBounded(t *testing.T) {
	policy := Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		JitterFraction: 0.5,
	}

	for run := 0; run < 100; run++ {
		delay := policy.NextAttempt(2)
		if delay < 2*time.Second || delay > 3*time.Second {
			t.Fatalf("expected jittered delay in [2s,3s], got %v", delay)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	policy := Policy{MaxAttempts: 3}

	for attempt := 0; attempt < 3; attempt++ {
		if policy.IsTerminal(attempt) {
			t.Fatalf("attempt %d should not be terminal", attempt)
		}
	}
	if !policy.IsTerminal(3) {
		t.Fatal("attempt 3 should be terminal")
	}
	if !policy.IsTerminal(4) {
		t.Fatal("attempt 4 should be terminal")
	}
}

func TestZeroPolicyNeverRetriesForever(t *testing.T) {
	var policy Policy
	if !policy.IsTerminal(DefaultMaxAttempts) {
		t.Fatal("zero policy must become terminal at the default max attempts")
	}
}
