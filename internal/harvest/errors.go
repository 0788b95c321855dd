package harvest

import (
	"context"
	"errors"
)

// Interaction error taxonomy. Session and portal implementations wrap these
// sentinels so callers can classify failures with errors.Is.
var (
	// ErrControlNotFound reports a required selector that is absent from the page.
	ErrControlNotFound = errors.New("control not found")
	// ErrStaleReference reports an element handle invalidated by a page transition.
	ErrStaleReference = errors.New("stale element reference")
	// ErrReadyTimeout reports that the expected result markup never appeared.
	ErrReadyTimeout = errors.New("result markup not ready")
	// ErrAlertInterruption reports a modal dialog blocking the current interaction.
	ErrAlertInterruption = errors.New("interrupted by alert")
	// ErrSessionFault reports an unusable browsing session. It is fatal to a run.
	ErrSessionFault = errors.New("browsing session fault")
	// ErrDuplicatePoint reports a second write for the same parameter point.
	ErrDuplicatePoint = errors.New("parameter point already recorded")
)

// IsTransient reports whether err is worth retrying from the selection step.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrSessionFault) {
		return false
	}
	return errors.Is(err, ErrStaleReference) ||
		errors.Is(err, ErrReadyTimeout) ||
		errors.Is(err, ErrAlertInterruption) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionFault)
}
