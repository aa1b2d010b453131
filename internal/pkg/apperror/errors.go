// Package apperror defines the typed business outcomes returned by the core.
// Each error carries a Kind so transports can render it without string matching.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates supported application error categories.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientStock Kind = "insufficient_stock"
	KindEmptyCart         Kind = "empty_cart"
	KindInvalidTransition Kind = "invalid_transition"
	KindSessionExpired    Kind = "session_expired"
	KindDuplicateCommit   Kind = "duplicate_commit"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Kinded is implemented by every business error in this package.
type Kinded interface {
	error
	Kind() Kind
}

// ValidationError reports malformed input for a single field.
type ValidationError struct {
	Field  string
	Reason string
	// AttemptsLeft is only meaningful for session steps; zero means the
	// session was discarded.
	AttemptsLeft int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// InsufficientStockError is raised by the cart (advisory) and the order engine (authoritative).
type InsufficientStockError struct {
	ItemID    uint
	ItemName  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.ItemName
	if name == "" {
		name = fmt.Sprintf("item %d", e.ItemID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Kind() Kind { return KindInsufficientStock }

// EmptyCartError is returned when checkout is attempted with no cart entries.
type EmptyCartError struct {
	UserID int64
}

func (e *EmptyCartError) Error() string {
	return fmt.Sprintf("cart is empty for user %d", e.UserID)
}

func (e *EmptyCartError) Kind() Kind { return KindEmptyCart }

// InvalidTransitionError rejects an order status change not present in the transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Kind() Kind { return KindInvalidTransition }

// SessionExpiredError means the caller must begin the flow again.
type SessionExpiredError struct {
	UserID int64
	Flow   string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s for user %d has expired", e.Flow, e.UserID)
}

func (e *SessionExpiredError) Kind() Kind { return KindSessionExpired }

// DuplicateCommitError reports a replayed commit token. OrderID and
// OrderNumber describe the prior result when one exists.
type DuplicateCommitError struct {
	Token       string
	OrderID     uint
	OrderNumber string
}

func (e *DuplicateCommitError) Error() string {
	if e.OrderNumber != "" {
		return fmt.Sprintf("commit %s already processed as order %s", e.Token, e.OrderNumber)
	}
	return fmt.Sprintf("commit %s already processed", e.Token)
}

func (e *DuplicateCommitError) Kind() Kind { return KindDuplicateCommit }

// NotFoundError reports a missing record.
type NotFoundError struct {
	Resource string
	ID       any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

// KindOf resolves the kind of any error; unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// StatusCode resolves the HTTP status for the error kind.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientStock, KindEmptyCart, KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindDuplicateCommit:
		return http.StatusConflict
	case KindSessionExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
