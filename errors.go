package mmq

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by mmq operations. Use [errors.Is] to classify:
//
//	if errors.Is(err, mmq.ErrExhaustedPool) {
//	    // close an appender elsewhere and retry
//	}
var (
	// ErrConfiguration indicates an invalid configuration. Returned eagerly
	// by Open, never at runtime.
	ErrConfiguration = errors.New("mmq: invalid configuration")

	// ErrIncompatible indicates the queue files on disk were created with a
	// different geometry than the one requested.
	ErrIncompatible = errors.New("mmq: incompatible queue")

	// ErrExhaustedPool indicates every appender id is in use.
	//
	// Recovery: close an appender (in any process) and retry.
	ErrExhaustedPool = errors.New("mmq: appender id pool exhausted")

	// ErrMappingFailure indicates a region could not be mapped. For reads of
	// a published entry this signals corruption or a payload file that is
	// still being initialised.
	ErrMappingFailure = errors.New("mmq: mapping failure")

	// ErrInvalidArgument indicates a malformed argument. Programming error.
	ErrInvalidArgument = errors.New("mmq: invalid argument")

	// ErrInvalidIndex indicates a negative or unrepresentable index.
	ErrInvalidIndex = fmt.Errorf("%w: invalid index", ErrInvalidArgument)

	// ErrIllegalState indicates an operation in the wrong handle state,
	// such as opening a second reading context. Programming error.
	ErrIllegalState = errors.New("mmq: illegal state")

	// ErrClosed indicates the handle has been closed.
	ErrClosed = fmt.Errorf("%w: closed", ErrIllegalState)
)

// RangeKind tells apart the two ways a value can fail validation.
type RangeKind int

const (
	// OutOfRange means the value is well formed but too large.
	OutOfRange RangeKind = iota
	// Malformed means the value is negative or misaligned.
	Malformed
)

func (k RangeKind) String() string {
	if k == Malformed {
		return "malformed"
	}
	return "out of range"
}

// RangeError describes a value rejected by one of the Validate functions.
type RangeError struct {
	Name  string
	Value int64
	Min   int64
	Max   int64
	Kind  RangeKind
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("mmq: %s %d is %s, valid range [%d, %d]", e.Name, e.Value, e.Kind, e.Min, e.Max)
}

// Unwrap makes every RangeError an ErrInvalidArgument.
func (e *RangeError) Unwrap() error { return ErrInvalidArgument }
