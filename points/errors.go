/*
errors.go - Error types for the points ledger

ERROR CATEGORIES:
  1. Domain errors - wrong source state, insufficient balance, bad certificate
     data, missing client or entry. These never escape the Service as Go
     errors; they are converted into an ErrorList on the Result.
  2. Store errors - connectivity, constraint violations. These are the only
     errors returned from Service methods.

USAGE:
  if errors.Is(err, points.ErrInvalidTransition) { ... }

  var ib *points.InsufficientBalanceError
  if errors.As(err, &ib) { fmt.Println(ib.Shortfall) }
*/
package points

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when the entry is not in the source
	// state the requested transition needs.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientBalance is returned when a debit would drive the balance
	// below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound is returned when a referenced entry or client does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidCertificateData is returned when certificate fields are
	// missing for a certificate status or supplied for any other.
	ErrInvalidCertificateData = errors.New("invalid certificate data")

	// ErrForbidden is returned when the actor kind may not perform the
	// operation (admin-only gates, clients acting on other clients).
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidValue is returned for zero or negative values.
	ErrInvalidValue = errors.New("invalid value")

	// ErrConcurrentModification is returned by stores when a status
	// compare-and-swap finds the entry already moved.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes an attempted transition from the wrong state.
type TransitionError struct {
	EntryID EntryID
	Op      string
	From    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s entry %s in status %s", e.Op, e.EntryID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ClientID  ClientID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

func insufficient(clientID ClientID, available, requested decimal.Decimal) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		ClientID:  clientID,
		Available: available,
		Requested: requested,
		Shortfall: requested.Sub(available),
	}
}

// CertificateError names the offending certificate field.
type CertificateError struct {
	Field  string
	Reason string
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *CertificateError) Unwrap() error { return ErrInvalidCertificateData }

// NotFoundError names what was missing.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.What, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR LIST - What callers see
// =============================================================================

type ErrorKind string

const (
	KindInvalidTransition      ErrorKind = "invalid_transition"
	KindInsufficientBalance    ErrorKind = "insufficient_balance"
	KindNotFound               ErrorKind = "not_found"
	KindInvalidCertificateData ErrorKind = "invalid_certificate_data"
	KindForbidden              ErrorKind = "forbidden"
	KindInvalidValue           ErrorKind = "invalid_value"
)

// Problem is one user-facing failure.
type Problem struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ErrorList is the inspectable list of failures of a single operation.
type ErrorList []Problem

func (l ErrorList) Has(kind ErrorKind) bool {
	for _, p := range l {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

func (l ErrorList) Error() string {
	msgs := make([]string, len(l))
	for i, p := range l {
		msgs[i] = p.Message
	}
	return strings.Join(msgs, "; ")
}

// Classify converts a domain error into an ErrorList. It returns false for
// anything that is not a domain error; the caller must treat those as fatal.
func Classify(err error) (ErrorList, bool) {
	if err == nil {
		return nil, true
	}
	var kind ErrorKind
	switch {
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		kind = KindInvalidTransition
	case errors.Is(err, ErrInsufficientBalance):
		kind = KindInsufficientBalance
	case errors.Is(err, ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, ErrInvalidCertificateData):
		kind = KindInvalidCertificateData
	case errors.Is(err, ErrForbidden):
		kind = KindForbidden
	case errors.Is(err, ErrInvalidValue):
		kind = KindInvalidValue
	default:
		return nil, false
	}
	return ErrorList{{Kind: kind, Message: message(kind, err)}}, true
}

func message(kind ErrorKind, err error) string {
	switch kind {
	case KindInvalidTransition:
		if errors.Is(err, ErrConcurrentModification) {
			return "The entry was already processed."
		}
		return "The entry cannot be processed in its current status."
	case KindInsufficientBalance:
		var ib *InsufficientBalanceError
		if errors.As(err, &ib) {
			return fmt.Sprintf("Insufficient points: available %s, requested %s.", ib.Available, ib.Requested)
		}
		return "Insufficient points."
	case KindNotFound:
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return fmt.Sprintf("The %s was not found.", nf.What)
		}
		return "Not found."
	case KindInvalidCertificateData:
		var ce *CertificateError
		if errors.As(err, &ce) {
			return fmt.Sprintf("Certificate data is invalid: %s %s.", ce.Field, ce.Reason)
		}
		return "Certificate data is invalid."
	case KindForbidden:
		return "This action is not allowed for the current user."
	case KindInvalidValue:
		return "The value must be greater than zero."
	}
	return err.Error()
}
