package domain

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrAuthenticationMissing means no valid credential or user id was
	// available at start time. The region stays stopped.
	ErrAuthenticationMissing = errors.New("authentication missing")

	// ErrCancellationStop marks a stream that ended because its owner cancelled it.
	ErrCancellationStop = errors.New("stream cancelled")
)

// TransportError is a stream failure not attributable to cancellation.
type TransportError struct {
	Region string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for region %s: %v", e.Region, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify maps the error that ended a region stream to the termination
// taxonomy. Once cancellation was requested every outcome is a cancellation
// stop, whatever error the transport surfaced while unwinding.
func Classify(region string, err error, cancelled bool) error {
	switch {
	case cancelled:
		return ErrCancellationStop
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		return &TransportError{Region: region, Err: err}
	}
}

// TerminationReason returns the metric label for a classified termination.
func TerminationReason(classified error) string {
	switch {
	case classified == nil:
		return "closed"
	case errors.Is(classified, ErrCancellationStop):
		return "cancelled"
	default:
		return "transport_error"
	}
}
