package fault

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	require.True(t, Retryable(ErrReasoningTimeout))
	require.True(t, Retryable(ErrReasoningCrashed))
	require.True(t, Retryable(ErrThrottled))
	require.True(t, Retryable(ErrCircuitOpen))

	require.False(t, Retryable(ErrInvalidTransition))
	require.False(t, Retryable(ErrValidation))
	require.False(t, Retryable(ErrApprovalInvalid))
	require.False(t, Retryable(ErrVerification))
	require.False(t, Retryable(ErrNonceReused))
	require.False(t, Retryable(ErrBackendUnavailable))
	require.False(t, Retryable(ErrFileSystem))
	require.False(t, Retryable(fmt.Errorf("some other error")))
}

func TestRetryableSeesThroughWrapping(t *testing.T) {
	var err = fmt.Errorf("sending mail: %w", ErrThrottled)
	require.True(t, Retryable(err))
	require.Equal(t, "throttled", Class(err))
}

func TestDriverErrorClassification(t *testing.T) {
	var transient = &DriverError{Driver: "mail-sender", ExitCode: 1}
	require.True(t, Retryable(transient))
	require.Equal(t, "driver_failure_retryable", Class(transient))

	var permanent = &DriverError{Driver: "mail-sender", ExitCode: 64, Permanent: true}
	require.False(t, Retryable(permanent))
	require.Equal(t, "driver_failure_permanent", Class(permanent))

	var wrapped = fmt.Errorf("executing action: %w", permanent)
	require.False(t, Retryable(wrapped))
	require.Equal(t, "driver_failure_permanent", Class(wrapped))
}

func TestDriverErrorMessage(t *testing.T) {
	var err = &DriverError{Driver: "payment", ExitCode: 3, Detail: "card declined"}
	require.Equal(t, "driver payment failed (exit 3): card declined", err.Error())

	err = &DriverError{Driver: "payment", ExitCode: 3}
	require.Equal(t, "driver payment failed (exit 3)", err.Error())
}

func TestClassUnknown(t *testing.T) {
	require.Equal(t, "unknown", Class(fmt.Errorf("novel failure")))
}
