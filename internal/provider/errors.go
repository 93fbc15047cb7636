package provider

import "errors"

// TransientError marks a provider failure worth retrying: timeouts, rate
// limits, 5xx responses. The worker abandons the lease and lets queue
// redelivery drive the retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "provider: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a provider failure that retrying cannot fix: content
// policy violations, invalid requests, malformed responses. The worker fails
// the job immediately.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return "provider: permanent: " + e.Reason + ": " + e.Err.Error()
	}
	return "provider: permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// PermanentReason extracts the human-readable reason from a permanent
// failure, or a generic fallback.
func PermanentReason(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) && pe.Reason != "" {
		return pe.Reason
	}
	return "provider_error"
}
