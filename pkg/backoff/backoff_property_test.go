package backoff

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBackoffMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("jitterless delay is non-decreasing in attempt number", prop.ForAll(
		func(maxAttempts int, initialSeconds int, capSeconds int) bool {
			policy := Policy{
				MaxAttempts:    maxAttempts,
				InitialBackoff: time.Duration(initialSeconds) * time.Second,
				MaxBackoff:     time.Duration(capSeconds) * time.Second,
				JitterFraction: 0,
			}
			previous := time.Duration(0)
			for attempt := 1; attempt <= maxAttempts+2; attempt++ {
				delay := policy.NextAttempt(attempt)
				if delay < previous {
					return false
				}
				previous = delay
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 10),
		gen.IntRange(1, 600),
	))

	properties.Property("isTerminal flips exactly at max attempts", prop.ForAll(
		func(maxAttempts int) bool {
			policy := Policy{MaxAttempts: maxAttempts}
			for attempt := 0; attempt < maxAttempts; attempt++ {
				if policy.IsTerminal(attempt) {
					return false
				}
			}
			return policy.IsTerminal(maxAttempts)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
