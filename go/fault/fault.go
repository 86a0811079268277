// Package fault defines the error classes recognized by the orchestrator
// core and their retry classification. Callers wrap these sentinels with
// fmt.Errorf("...: %w", err) so that errors.Is can route on the class
// while messages stay specific to the failure.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is a requested state move not in the matrix.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrFileSystem is a rename, read, write, or fsync that kept failing
	// after in-operation retries.
	ErrFileSystem = errors.New("filesystem operation failed")
	// ErrValidation is malformed frontmatter or an invalid task filename.
	ErrValidation = errors.New("validation failed")
	// ErrReasoningTimeout is a reasoning subprocess that exceeded its deadline.
	ErrReasoningTimeout = errors.New("reasoning timed out")
	// ErrReasoningCrashed is a reasoning subprocess that exited non-zero
	// or died on a signal.
	ErrReasoningCrashed = errors.New("reasoning crashed")
	// ErrApprovalInvalid is a nonce reuse, digest mismatch, unauthorized
	// approver, expiry, or wrong-status failure of an approval check.
	ErrApprovalInvalid = errors.New("approval invalid")
	// ErrApprovalTimeout is an approval that expired without a decision.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrVerification is a driver binary whose digest does not match the
	// trust registry, or a driver not registered at all.
	ErrVerification = errors.New("driver verification failed")
	// ErrThrottled is a rate-limited action.
	ErrThrottled = errors.New("rate limit exceeded")
	// ErrCircuitOpen is an action rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrNonceReused is a replay attempt against a consumed approval nonce.
	ErrNonceReused = errors.New("nonce already consumed")
	// ErrBackendUnavailable is a credential store with no usable backend.
	ErrBackendUnavailable = errors.New("credential backend unavailable")
)

// DriverError is a failure reported by an action driver subprocess.
// Classification into retryable vs permanent uses the driver's exit code
// with a conservative default of retryable.
type DriverError struct {
	Driver    string
	ExitCode  int
	Detail    string
	Permanent bool
}

func (e *DriverError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("driver %s failed (exit %d): %s", e.Driver, e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("driver %s failed (exit %d)", e.Driver, e.ExitCode)
}

// Retryable reports whether the failure is transient and the operation
// may be handed to the retry loop. Anything unrecognized is permanent,
// matching the fail-closed posture of the guard.
func Retryable(err error) bool {
	var de *DriverError
	if errors.As(err, &de) {
		return !de.Permanent
	}
	switch {
	case errors.Is(err, ErrReasoningTimeout),
		errors.Is(err, ErrReasoningCrashed),
		errors.Is(err, ErrThrottled),
		errors.Is(err, ErrCircuitOpen):
		return true
	}
	return false
}

// Class returns the short audit-log name of the error's class, or
// "unknown" when the error matches no sentinel.
func Class(err error) string {
	var de *DriverError
	if errors.As(err, &de) {
		if de.Permanent {
			return "driver_failure_permanent"
		}
		return "driver_failure_retryable"
	}
	for _, c := range []struct {
		err  error
		name string
	}{
		{ErrInvalidTransition, "invalid_transition"},
		{ErrFileSystem, "filesystem_error"},
		{ErrValidation, "validation_error"},
		{ErrReasoningTimeout, "reasoning_timeout"},
		{ErrReasoningCrashed, "reasoning_crashed"},
		{ErrApprovalInvalid, "approval_invalid"},
		{ErrApprovalTimeout, "approval_timeout"},
		{ErrVerification, "verification_error"},
		{ErrThrottled, "throttled"},
		{ErrCircuitOpen, "circuit_open"},
		{ErrNonceReused, "nonce_reused"},
		{ErrBackendUnavailable, "backend_unavailable"},
	} {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return "unknown"
}
