package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/forkernet/forker/internal/ferrors"
)

func TestClassifyIoKinds(t *testing.T) {
	cases := []struct {
		kind ferrors.IoKind
		want Category
	}{
		{ferrors.IoKindWouldBlock, TransientFailure},
		{ferrors.IoKindTimedOut, TransientFailure},
		{ferrors.IoKindInterrupted, TransientFailure},
		{ferrors.IoKindUnavailable, TransientFailure},
		{ferrors.IoKindSharingViol, TransientFailure},
		{ferrors.IoKindInUse, TransientFailure},
		{ferrors.IoKindNotFound, PermanentFailure},
		{ferrors.IoKindPermission, PermanentFailure},
		{ferrors.IoKindIsDirectory, PermanentFailure},
		{ferrors.IoKindBadArgument, PermanentFailure},
		{ferrors.IoKindOther, UnknownFailure},
	}
	for _, c := range cases {
		got := Classify(ferrors.Io(c.kind, "/x", errors.New("boom")))
		if got != c.want {
			t.Errorf("Classify(%s) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestClassifyIntegrityAndInvariant(t *testing.T) {
	if got := Classify(ferrors.Integrity("aaa", "bbb", "/x")); got != IntegrityFailure {
		t.Errorf("Classify(IntegrityError) = %v, want IntegrityFailure", got)
	}
	if got := Classify(ferrors.InvariantViolation("integrity-no-retry", "Job", "hash mismatch")); got != IntegrityFailure {
		t.Errorf("Classify(InvariantViolationError) = %v, want IntegrityFailure", got)
	}
}

func TestClassifyConfigurationAndUnknown(t *testing.T) {
	if got := Classify(ferrors.Configuration("backoffBase", "must be positive")); got != ConfigurationFailure {
		t.Errorf("Classify(ConfigurationError) = %v, want ConfigurationFailure", got)
	}
	if got := Classify(errors.New("something else")); got != UnknownFailure {
		t.Errorf("Classify(plain error) = %v, want UnknownFailure", got)
	}
}

func TestDecideIntegrityNeverRetries(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: time.Minute}
	d := Decide(1, IntegrityFailure, policy, "hash mismatch")
	if d.Kind != DecisionPermanentFailure {
		t.Errorf("Kind = %v, want DecisionPermanentFailure", d.Kind)
	}
}

func TestDecidePermanentAndConfigurationAreNonRetryable(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: time.Minute}
	if d := Decide(1, PermanentFailure, policy, "not found"); d.Kind != DecisionNonRetryable {
		t.Errorf("PermanentFailure: Kind = %v, want DecisionNonRetryable", d.Kind)
	}
	if d := Decide(1, ConfigurationFailure, policy, "bad config"); d.Kind != DecisionNonRetryable {
		t.Errorf("ConfigurationFailure: Kind = %v, want DecisionNonRetryable", d.Kind)
	}
}

func TestDecideRetriesUntilMaxAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute}
	if d := Decide(1, TransientFailure, policy, "timeout"); d.Kind != DecisionRetry {
		t.Errorf("attempt 1: Kind = %v, want DecisionRetry", d.Kind)
	}
	if d := Decide(2, TransientFailure, policy, "timeout"); d.Kind != DecisionRetry {
		t.Errorf("attempt 2: Kind = %v, want DecisionRetry", d.Kind)
	}
	if d := Decide(3, TransientFailure, policy, "timeout"); d.Kind != DecisionMaxAttemptsReached {
		t.Errorf("attempt 3 (== MaxAttempts): Kind = %v, want DecisionMaxAttemptsReached", d.Kind)
	}
}

func TestBackoffIsMonotonicNonDecreasingAndCapped(t *testing.T) {
	policy := Policy{MaxAttempts: 100, BackoffBase: time.Second, BackoffMax: 10 * time.Second}
	var prev time.Duration
	for attempt := 1; attempt <= 10; attempt++ {
		d := Decide(attempt, TransientFailure, policy, "x")
		if d.Delay < prev {
			t.Fatalf("attempt %d: Delay %v < previous %v, want non-decreasing", attempt, d.Delay, prev)
		}
		if d.Delay > policy.BackoffMax {
			t.Fatalf("attempt %d: Delay %v exceeds BackoffMax %v", attempt, d.Delay, policy.BackoffMax)
		}
		prev = d.Delay
	}
}

func TestDefaultJitterNeverNegative(t *testing.T) {
	for i := 0; i < 20; i++ {
		j := DefaultJitter(time.Second)
		if j < 0 {
			t.Fatalf("DefaultJitter returned negative duration: %v", j)
		}
		if j > time.Second/4 {
			t.Fatalf("DefaultJitter returned %v, want <= base/4", j)
		}
	}
}
