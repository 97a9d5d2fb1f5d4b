package rbacgate

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Error kinds surfaced to callers. They are stable and safe to expose.
const (
	KindAuthentication = "unauthenticated"
	KindPermission     = "forbidden"
	KindRateLimited    = "rate_limited"
	KindCheckFailed    = "authorization_check_failed"
)

// AuthenticationError means no identity could be resolved for the request.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication required"
	}
	return e.Message
}

func (e *AuthenticationError) HTTPStatus() int { return http.StatusUnauthorized }

// PermissionError means the identity is known but a role, verification, 2FA or
// fine-grained check denied the operation.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return "permission denied"
	}
	return "permission denied: " + e.Reason
}

func (e *PermissionError) HTTPStatus() int { return http.StatusForbidden }

// RateLimitExceeded means the caller spent its budget for the current window.
type RateLimitExceeded struct {
	ResetIn time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", e.ResetInSeconds())
}

func (e *RateLimitExceeded) HTTPStatus() int { return http.StatusTooManyRequests }

// ResetInSeconds is the remaining window rounded up to whole seconds.
func (e *RateLimitExceeded) ResetInSeconds() int {
	if e.ResetIn <= 0 {
		return 0
	}
	return int(math.Ceil(e.ResetIn.Seconds()))
}

// CheckFailedError reports that an authorization check could not be completed,
// e.g. because the membership store was unreachable. It is never a denial.
type CheckFailedError struct {
	Op  string
	Err error
}

func (e *CheckFailedError) Error() string {
	if e.Err == nil {
		return "authorization check failed: " + e.Op
	}
	return fmt.Sprintf("authorization check failed: %s: %v", e.Op, e.Err)
}

func (e *CheckFailedError) Unwrap() error { return e.Err }

func (e *CheckFailedError) HTTPStatus() int { return http.StatusInternalServerError }

func checkFailed(op string, err error) error {
	var cf *CheckFailedError
	if errors.As(err, &cf) {
		return err
	}
	return &CheckFailedError{Op: op, Err: err}
}

// StatusCode maps err to an HTTP status. Unknown errors map to 500.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Kind returns the stable kind string for err.
func Kind(err error) string {
	var (
		ae *AuthenticationError
		pe *PermissionError
		rl *RateLimitExceeded
	)
	switch {
	case errors.As(err, &ae):
		return KindAuthentication
	case errors.As(err, &pe):
		return KindPermission
	case errors.As(err, &rl):
		return KindRateLimited
	default:
		return KindCheckFailed
	}
}

// PublicMessage returns a message that is safe to show to end users; wrapped
// collaborator details are never included.
func PublicMessage(err error) string {
	var (
		ae *AuthenticationError
		pe *PermissionError
		rl *RateLimitExceeded
	)
	switch {
	case errors.As(err, &ae):
		return ae.Error()
	case errors.As(err, &pe):
		return pe.Error()
	case errors.As(err, &rl):
		return rl.Error()
	default:
		return "authorization check failed"
	}
}

// RetryAfter returns the retry hint carried by a RateLimitExceeded in err.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitExceeded
	if errors.As(err, &rl) {
		return rl.ResetIn, true
	}
	return 0, false
}
