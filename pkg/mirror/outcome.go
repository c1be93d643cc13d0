// Copyright 2024-2026 Aiku AI

package mirror

import (
	"errors"
)

// OutcomeKind classifies the result of one operation against one target.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Outcome is the transient result of a replication attempt. It is logged and
// counted, never persisted.
type Outcome struct {
	Kind     OutcomeKind
	TargetID MessageID
	Err      error
}

func Success(targetID MessageID) Outcome {
	return Outcome{Kind: OutcomeSuccess, TargetID: targetID}
}

func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Err: err}
}

func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Err: err}
}

// outcomeOf converts a platform call's error into an Outcome.
func outcomeOf(targetID MessageID, err error) Outcome {
	switch {
	case err == nil:
		return Success(targetID)
	case IsPermanent(err):
		return PermanentFailure(err)
	default:
		return TransientFailure(err)
	}
}

// PermanentError marks a platform error that retrying will not fix, such as a
// deleted target channel or revoked permissions.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is, or wraps, a PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

var (
	// ErrStopped is returned by Dispatcher.Submit after shutdown began.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrBackfillRunning is returned when a backfill run is already in progress.
	ErrBackfillRunning = errors.New("backfill already running")
	// ErrTargetDisabled is the reason reported for targets whose breaker is open.
	ErrTargetDisabled = errors.New("target disabled after repeated permanent failures")
	// ErrPassIncomplete means a backfill pass left pairs unmapped after transient failures.
	ErrPassIncomplete = errors.New("backfill pass incomplete")
)
