// Package mfmerr defines the three error-kind tiers: Recoverable errors are
// returned and handled inline; DetectedAndLogged conditions never become Go
// errors at all (they are logged via mfmlog and execution continues);
// Fatal errors unwind to the top of a tile's run loop.
package mfmerr

import "errors"

// Recoverable errors never leave observable state partially updated: they
// are detected before any site mutation, or after a rollback to Empty at
// the event center.
var (
	ErrLockUnavailable = errors.New("mfmerr: lock unavailable")
	ErrCacheBusy       = errors.New("mfmerr: cache processor not idle")
	ErrWouldBlock      = errors.New("mfmerr: channel operation would block")
	ErrBehaviorFault   = errors.New("mfmerr: element behavior faulted")
)

// Fatal errors unwind to the top of the tile thread (grid.runTile), which
// logs and exits; the tile's cache processors are not drained first.
var (
	ErrIllegalArgument = errors.New("mfmerr: illegal argument")
	ErrOutOfRoom       = errors.New("mfmerr: out of room")
	ErrIllegalState    = errors.New("mfmerr: illegal state transition")
	ErrChannelClosed   = errors.New("mfmerr: channel closed unexpectedly")

	// ErrCacheDivergence is not raised by default; it exists only for
	// Config.StrictCacheConsistency, which promotes what is otherwise a
	// DetectedAndLogged condition (differs_flag mismatch) to Fatal.
	ErrCacheDivergence = errors.New("mfmerr: cache consistency divergence")
)

// IsRecoverable reports whether err is one of the Recoverable sentinels
// (or wraps one), as opposed to Fatal.
func IsRecoverable(err error) bool {
	switch {
	case errors.Is(err, ErrLockUnavailable),
		errors.Is(err, ErrCacheBusy),
		errors.Is(err, ErrWouldBlock),
		errors.Is(err, ErrBehaviorFault):
		return true
	default:
		return false
	}
}

// IsFatal reports whether err is one of the Fatal sentinels (or wraps one).
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrIllegalArgument),
		errors.Is(err, ErrOutOfRoom),
		errors.Is(err, ErrIllegalState),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrCacheDivergence):
		return true
	default:
		return false
	}
}
