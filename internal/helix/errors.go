package helix

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by Helix calls. Callers use errors.Is/errors.As
// rather than free-form error strings to discriminate outcomes.
var (
	// ErrTokenInvalid is returned for any 401 response. The caller never
	// retries locally; Token Lifecycle owns recovery.
	ErrTokenInvalid = errors.New("helix: token invalid")

	// ErrMissingScopes is returned for any 403 from a subscribe call; the
	// response body is not inspected.
	ErrMissingScopes = errors.New("helix: missing required scopes")

	// ErrRefreshFailed wraps a non-200 response from the refresh grant.
	ErrRefreshFailed = errors.New("helix: refresh failed")

	// ErrDeviceStartFailed wraps a non-2xx response from device_start.
	ErrDeviceStartFailed = errors.New("helix: device start failed")

	// ErrHexUnavailable is returned when put_color 400/403s with a body
	// indicating the account cannot use hex colors (not Prime/Turbo).
	ErrHexUnavailable = errors.New("helix: hex color unavailable for this account")
)

// DeviceFailKind enumerates the terminal outcomes of the device polling
// loop, distinct from the transient authorization_pending/slow_down codes.
type DeviceFailKind string

const (
	DeviceFailAccessDenied DeviceFailKind = "access_denied"
	DeviceFailExpiredToken DeviceFailKind = "expired_token"
)

// ErrDeviceFailed is a terminal device-authorization outcome.
type ErrDeviceFailed struct {
	Kind DeviceFailKind
}

func (e *ErrDeviceFailed) Error() string {
	return fmt.Sprintf("helix: device authorization failed: %s", e.Kind)
}

// ErrRateLimited carries the server-requested backoff duration for a 429.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("helix: rate limited, retry after %s", e.RetryAfter)
}

// Outcome classifies the result of a Helix call for components that need
// to decide whether to retry, escalate, or drop without inspecting the
// concrete error type.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeTerminal
)

// ClassifyOutcome maps an error returned by this package to an Outcome.
func ClassifyOutcome(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var rl *ErrRateLimited
	if errors.As(err, &rl) {
		return OutcomeRetryable
	}
	switch {
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrMissingScopes):
		return OutcomeTerminal
	}
	var df *ErrDeviceFailed
	if errors.As(err, &df) {
		return OutcomeTerminal
	}
	return OutcomeRetryable
}
