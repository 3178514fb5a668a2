package highway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ahwlsqja/highway-casper/types"
)

var (
	// Transient: resolved by fetching the missing history and retrying.
	ErrSequenceGap     = errors.New("sequence gap")
	ErrUnknownCitation = errors.New("unknown citation")

	// Attributable protocol fault.
	ErrInvalidSignature = errors.New("invalid unit signature")

	// Invalid input, rejected without touching the DAG.
	ErrMalformedUnit = errors.New("malformed unit")
	ErrInvalidUnit   = errors.New("invalid unit")

	// Fatal: the node must stop finalizing.
	ErrSafetyViolation = errors.New("safety violation: conflicting blocks finalized")
)

// SequenceGapError reports the sequence number the store expected from a creator.
type SequenceGapError struct {
	Creator  int
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%v: validator %d expected seq %d, got %d", ErrSequenceGap, e.Creator, e.Expected, e.Got)
}

func (e *SequenceGapError) Is(target error) bool {
	return target == ErrSequenceGap
}

// UnknownCitationError lists the panorama entries that are not in the store yet.
type UnknownCitationError struct {
	Missing []types.Hash
}

func (e *UnknownCitationError) Error() string {
	short := make([]string, len(e.Missing))
	for i, h := range e.Missing {
		short[i] = h.Short()
	}
	return fmt.Sprintf("%v: missing %s", ErrUnknownCitation, strings.Join(short, ","))
}

func (e *UnknownCitationError) Is(target error) bool {
	return target == ErrUnknownCitation
}

// IsTransient reports whether err may resolve after fetching missing units.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSequenceGap) || errors.Is(err, ErrUnknownCitation)
}

// IsAttributable reports whether err proves misbehaviour by the unit's creator.
func IsAttributable(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

// IsFatal reports whether err must halt finalization.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSafetyViolation)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidUnit}, args...)...)
}
