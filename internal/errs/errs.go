// Package errs defines the error taxonomy shared by the traceability core.
//
// Transient network failures, caller input errors, business-rule rejections
// and internal consistency violations must be distinguishable by callers, so
// each category is either a sentinel (matched with errors.Is) or a wrapper
// struct (matched with errors.As).
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced record does not exist in the
	// mirror at call time. It may be transient: the event producing the
	// record might not have been synced yet.
	ErrNotFound = errors.New("record not found")

	// ErrInsufficientQuantity indicates a quantity check against a batch's
	// remaining quantity failed. Never retried.
	ErrInsufficientQuantity = errors.New("insufficient remaining quantity")

	// ErrTimeout indicates a confirmation wait expired. The transaction may
	// still confirm; callers must treat this as "accepted, unconfirmed".
	ErrTimeout = errors.New("confirmation wait timed out")
)

// ConnectivityError wraps transient ledger or store reachability failures.
// The listener retries these with backoff; they are never fatal.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity failure during %s: %v", e.Op, e.Err)
}
func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError reports caller-supplied input violating a stated invariant.
// Rejected immediately, not retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubmissionError reports a ledger rejection of a transaction (nonce, fees,
// contract revert). Not automatically retried: a blind retry could
// double-submit.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger rejected transaction: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("ledger rejected transaction: %s", e.Reason)
}
func (e *SubmissionError) Unwrap() error { return e.Err }

// ConsistencyViolation reports a broken internal invariant, such as a
// remaining quantity that would go negative. The affected records are
// quarantined, never silently corrected.
type ConsistencyViolation struct {
	Kind    string
	Detail  string
	BatchID string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation (%s): %s", e.Kind, e.Detail)
}

// IsRetryable reports whether an error is transient and safe to retry.
func IsRetryable(err error) bool {
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrNotFound)
}
