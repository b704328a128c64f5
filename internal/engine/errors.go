package engine

import (
	"errors"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/record"
)

var (
	// ErrAbandoned is reported by a Submission that was abandoned before it
	// reached a terminal state.
	ErrAbandoned = errors.New("submission abandoned")

	// ErrStopped is reported by a Submission whose engine stopped before it
	// reached a terminal state.
	ErrStopped = errors.New("engine stopped")
)

// errorDetail converts a submission error into its record form. Errors
// outside the fault taxonomy are transport failures.
func errorDetail(err error) *record.ErrorDetail {
	var fe *faults.Error
	if !errors.As(err, &fe) {
		fe = faults.Transport("submission failed", err)
	}
	d := &record.ErrorDetail{Code: fe.Code, Dispatch: fe.Dispatch}
	switch {
	case fe.Dispatch != nil:
		d.Formatted = fe.Dispatch.Format()
	case fe.Cause != nil:
		d.Formatted = fe.Message + ": " + fe.Cause.Error()
	default:
		d.Formatted = fe.Message
	}
	return d
}

// failureErr rebuilds the fault recorded on a failed record.
func failureErr(rec record.Record) error {
	if rec.FineStatus != record.Failed {
		return nil
	}
	if rec.Error == nil {
		return faults.Transport(rec.Message, nil)
	}
	if rec.Error.Dispatch != nil {
		return faults.DispatchFailed(rec.Error.Dispatch)
	}
	return &faults.Error{Code: rec.Error.Code, Message: rec.Error.Formatted}
}
