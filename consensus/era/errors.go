package era

import (
	"errors"

	"github.com/ahwlsqja/highway-casper/consensus/highway"
)

var (
	// Transient: the unit is dropped, the era may become routable later.
	ErrEraTooFarAhead = errors.New("era too far ahead")
	ErrUnknownEra     = errors.New("era not instantiated yet")
	ErrStaleEra       = errors.New("era retired")
	ErrFetchTimeout   = errors.New("unit fetch timed out")

	// Fatal: finalization halts.
	ErrStateHashMismatch = errors.New("state hash mismatch")

	ErrInboxFull = errors.New("supervisor inbox full")
	ErrStopped   = errors.New("supervisor stopped")
)

// IsTransient reports whether err may resolve on its own: a missing dependency, a fetch
// timeout or an era that is not routable right now.
func IsTransient(err error) bool {
	return highway.IsTransient(err) ||
		errors.Is(err, ErrFetchTimeout) ||
		errors.Is(err, ErrEraTooFarAhead) ||
		errors.Is(err, ErrUnknownEra) ||
		errors.Is(err, ErrStaleEra)
}

// IsAttributable reports whether err proves misbehaviour by a unit's creator.
func IsAttributable(err error) bool {
	return highway.IsAttributable(err)
}

// IsFatal reports whether err must halt finalization.
func IsFatal(err error) bool {
	return highway.IsFatal(err) || errors.Is(err, ErrStateHashMismatch)
}

// rejectReason labels a rejected unit for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, highway.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, highway.ErrMalformedUnit):
		return "malformed"
	case errors.Is(err, highway.ErrInvalidUnit):
		return "invalid"
	case errors.Is(err, ErrEraTooFarAhead):
		return "too_far_ahead"
	case errors.Is(err, ErrUnknownEra):
		return "unknown_era"
	case errors.Is(err, ErrStaleEra):
		return "stale_era"
	case errors.Is(err, ErrInboxFull):
		return "inbox_full"
	default:
		return "other"
	}
}
