// Package errs defines the closed set of error kinds the scheduling core
// reports at its boundaries (admission, lookup, client reservation,
// internal/repository failures). Each is a distinct type so callers can use
// errors.As against it. AdmissionError and InternalError wrap their cause so
// errors.Is/Unwrap chains work; NotFoundError and ClientUnavailableError
// carry descriptive fields only and wrap nothing.
package errs

import "fmt"

// AdmissionError is returned when Admit/AdmitOptimizing rejects a job at
// admit time (repository write failure or malformed job). The caller must
// not assume the job is scheduled.
type AdmissionError struct {
	Cause error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %v", e.Cause)
}

func (e *AdmissionError) Unwrap() error { return e.Cause }

// NotFoundError is returned when no record exists for the given id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ClientUnavailableError is returned when no clients satisfy a reservation
// predicate. For jobs that opted out of waiting, the scheduler loop
// converts this into StoppedDueToError rather than raising it to a caller.
type ClientUnavailableError struct {
	JobID  string
	Reason string
}

func (e *ClientUnavailableError) Error() string {
	return fmt.Sprintf("no clients available for job %s: %s", e.JobID, e.Reason)
}

// InternalError wraps a repository read failure or other internal fault.
// During live operation these are logged and the caller continues; during
// startup recovery they are fatal.
type InternalError struct {
	Op    string
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }
