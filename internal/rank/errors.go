package rank

import (
	"context"
	"errors"
)

var (
	// ErrResolution means no catalog identifier could be derived for the target. Terminal.
	ErrResolution = errors.New("identifier resolution failed")
	// ErrNavigation covers load failures and timeouts. Retried by requeue.
	ErrNavigation = errors.New("navigation failed")
	// ErrExtraction means neither extraction tier produced entries for a page. Soft.
	ErrExtraction = errors.New("extraction failed")
	// ErrBlocked means a challenge or rate-limit page replaced the expected content.
	ErrBlocked = errors.New("blocked by interstitial")
	// ErrClaimLost means the row is no longer processing under the caller's ownership.
	ErrClaimLost = errors.New("claim lost")
	// ErrStoreUnavailable wraps task store failures that must abort the run.
	ErrStoreUnavailable = errors.New("task store unavailable")
	// ErrElementMissing means a selector matched nothing on the current page.
	ErrElementMissing = errors.New("element not found")
	// ErrCaptureTimeout means a bounded wait for a response or transition elapsed.
	ErrCaptureTimeout = errors.New("capture timed out")
)

// IsBlocked reports whether err stems from an interstitial page.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrBlocked)
}

// IsRetryable reports whether an item that failed with err may be requeued.
// Resolution failures are permanent; everything else, including panics and
// unknown errors, is worth another claim.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrResolution) {
		return false
	}
	return true
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrResolution):
		return "resolution"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, ErrExtraction):
		return "extraction"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
