// Package kerr classifies the error kinds that cross stage boundaries in
// the bias-correction pipeline, so callers can decide what is fatal, what
// is a cache-rebuild trigger, and what is a per-record warning.
package kerr

import (
	"github.com/pkg/errors"
)

// Kind is one of the error kinds named in spec §7.
type Kind int

const (
	// Unknown is the zero value; Classify returns this for errors that were
	// never tagged with a Kind.
	Unknown Kind = iota
	InvalidMask
	InvalidReference
	MissingMappability
	MalformedAlignment
	IOError
	FingerprintMismatch
	InconsistentReadLength
	EmptyExpectedCounts
)

func (k Kind) String() string {
	switch k {
	case InvalidMask:
		return "InvalidMask"
	case InvalidReference:
		return "InvalidReference"
	case MissingMappability:
		return "MissingMappability"
	case MalformedAlignment:
		return "MalformedAlignment"
	case IOError:
		return "IOError"
	case FingerprintMismatch:
		return "FingerprintMismatch"
	case InconsistentReadLength:
		return "InconsistentReadLength"
	case EmptyExpectedCounts:
		return "EmptyExpectedCounts"
	default:
		return "Unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Cause() error  { return e.err }
func (e *kindError) Unwrap() error { return e.err }

// New wraps msg as an error of the given Kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf wraps a formatted message as an error of the given Kind.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap tags err with a Kind, preserving its message and stack via
// pkg/errors.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: errors.Wrap(err, msg)}
}

// Classify returns the Kind tagged on err, walking wrapped causes, or
// Unknown if none of them were tagged.
func Classify(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			return Unknown
		}
		err = cause
	}
	return Unknown
}

// Is reports whether err (or a cause in its chain) was tagged with kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
