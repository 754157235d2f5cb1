// Package classifier categorizes a failure and decides whether the
// owning target should retry, fail permanently, or escalate to
// quarantine. Written as small pure functions over explicit inputs, no
// hidden state.
package classifier

import (
	"errors"
	"math/rand"
	"time"

	"github.com/forkernet/forker/internal/ferrors"
)

// Category is the outcome of Classify.
type Category int

const (
	TransientFailure Category = iota
	PermanentFailure
	IntegrityFailure
	ConfigurationFailure
	UnknownFailure
)

func (c Category) String() string {
	switch c {
	case TransientFailure:
		return "TransientFailure"
	case PermanentFailure:
		return "PermanentFailure"
	case IntegrityFailure:
		return "IntegrityFailure"
	case ConfigurationFailure:
		return "ConfigurationFailure"
	case UnknownFailure:
		return "UnknownFailure"
	default:
		return "UnknownFailure"
	}
}

var transientIoKinds = map[ferrors.IoKind]bool{
	ferrors.IoKindWouldBlock:  true,
	ferrors.IoKindTimedOut:    true,
	ferrors.IoKindInterrupted: true,
	ferrors.IoKindUnavailable: true,
	ferrors.IoKindSharingViol: true,
	ferrors.IoKindInUse:       true,
}

var permanentIoKinds = map[ferrors.IoKind]bool{
	ferrors.IoKindNotFound:    true,
	ferrors.IoKindPermission:  true,
	ferrors.IoKindIsDirectory: true,
	ferrors.IoKindBadArgument: true,
}

// Classify categorizes err by walking its error chain for the known
// failure types. An unrecognized error is UnknownFailure, which Decide
// treats exactly like a transient failure, with the same MaxAttempts budget.
func Classify(err error) Category {
	if err == nil {
		return UnknownFailure
	}

	var ioErr *ferrors.IoError
	if errors.As(err, &ioErr) {
		switch {
		case transientIoKinds[ioErr.Kind]:
			return TransientFailure
		case permanentIoKinds[ioErr.Kind]:
			return PermanentFailure
		}
		return UnknownFailure
	}

	var integrityErr *ferrors.IntegrityError
	if errors.As(err, &integrityErr) {
		return IntegrityFailure
	}
	var invariantErr *ferrors.InvariantViolationError
	if errors.As(err, &invariantErr) {
		return IntegrityFailure
	}

	var configErr *ferrors.ConfigurationError
	if errors.As(err, &configErr) {
		return ConfigurationFailure
	}

	return UnknownFailure
}

// DecisionKind identifies which branch Decide returned.
type DecisionKind int

const (
	DecisionRetry DecisionKind = iota
	DecisionPermanentFailure
	DecisionMaxAttemptsReached
	DecisionNonRetryable
)

// Decision is the result of Decide.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration // valid when Kind == DecisionRetry
	Reason string
}

// Policy bounds the retry/backoff computation.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter, if non-nil, is added to the computed backoff before the
	// BackoffMax cap; it must never decrease the base value. Defaults to no
	// jitter if nil.
	Jitter func(base time.Duration) time.Duration
}

// Decide applies the retry policy: integrity failures never retry
// regardless of attempts remaining; permanent/configuration failures are
// non-retryable; transient/unknown failures retry with exponential
// backoff until attempts reaches policy.MaxAttempts, at which point the
// target reaches FailedPermanent via MaxAttemptsReached.
func Decide(attempts int, category Category, policy Policy, reason string) Decision {
	switch category {
	case IntegrityFailure:
		return Decision{Kind: DecisionPermanentFailure, Reason: reason}
	case PermanentFailure, ConfigurationFailure:
		return Decision{Kind: DecisionNonRetryable, Reason: reason}
	}

	if attempts >= policy.MaxAttempts {
		return Decision{Kind: DecisionMaxAttemptsReached, Reason: reason}
	}

	return Decision{Kind: DecisionRetry, Delay: backoff(attempts, policy), Reason: reason}
}

// backoff computes base × 2^(attempts-1), adds jitter, then caps the sum at
// BackoffMax — non-decreasing across attempts, jitter never reduces the base.
func backoff(attempts int, policy Policy) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= policy.BackoffMax {
			delay = policy.BackoffMax
			break
		}
	}
	if policy.Jitter != nil {
		delay += policy.Jitter(delay)
	}
	if delay > policy.BackoffMax {
		delay = policy.BackoffMax
	}
	return delay
}

// DefaultJitter adds a uniform random extra delay in [0, base/4], never
// subtracting from the base.
func DefaultJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	max := base / 4
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
