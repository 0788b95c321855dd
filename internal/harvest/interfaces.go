package harvest

import (
	"context"
	"time"
)

// ElementRef is a handle to a located element. It becomes stale once the page
// transitions (navigation, submit, back).
type ElementRef struct {
	Selector   string
	Generation uint64
}

// Option addresses one entry of a select control.
type Option struct {
	By    SelectBy
	Value string
	Index int
}

// Alert is a modal dialog currently open in the session.
type Alert struct {
	Text string
	Type string
}

// Session is the browsing collaborator. Exactly one interaction may be in flight
// against it at a time. Any method may fail with ErrSessionFault.
type Session interface {
	Navigate(ctx context.Context, url string) error
	// Find returns ErrControlNotFound when no element matches.
	Find(ctx context.Context, selector string) (ElementRef, error)
	// SelectOption returns the visible text of the option that was selected.
	SelectOption(ctx context.Context, ref ElementRef, opt Option) (string, error)
	Click(ctx context.Context, ref ElementRef) error
	ReadText(ctx context.Context, ref ElementRef) (string, error)
	OptionCount(ctx context.Context, ref ElementRef) (int, error)
	// PageHTML returns the outer HTML of the current document.
	PageHTML(ctx context.Context) (string, error)
	GoBack(ctx context.Context) error
	// CurrentAlert returns nil when no dialog is open.
	CurrentAlert(ctx context.Context) (*Alert, error)
	DismissAlert(ctx context.Context, alert Alert) error
	Close() error
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SignalKind is the outcome of an alert check.
type SignalKind int

// Alert check outcomes.
const (
	SignalNone SignalKind = iota
	SignalRetry
)

// Signal reports whether an interrupting dialog was found and dismissed.
type Signal struct {
	Kind SignalKind
	Text string
}

// Retry reports whether the interrupted operation should be retried.
func (s Signal) Retry() bool {
	return s.Kind == SignalRetry
}
