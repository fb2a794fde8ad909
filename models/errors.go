package models

import (
	"errors"
	"fmt"
)

// Expected, named outcomes of ledger and state-machine operations. Callers
// branch on these with errors.Is/errors.As; none of them abort the process.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrExceedsPaidAmount = errors.New("refund exceeds paid amount")
	ErrNotEditable       = errors.New("not editable in current status")
	ErrNotPayable        = errors.New("not payable in current status")
	ErrNotSendable       = errors.New("not sendable in current status")
	ErrNotVoidable       = errors.New("not voidable in current status")
	ErrNotCancellable    = errors.New("not cancellable in current status")
	ErrAlreadyGenerated  = errors.New("receipt already generated")
	ErrNoPayments        = errors.New("no payments recorded")
	ErrDuplicateEvent    = errors.New("duplicate webhook event")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrAlreadyPaid       = errors.New("invoice already paid")
)

// IllegalTransitionError reports a status change outside the transition
// table. The entity keeps its current status.
type IllegalTransitionError struct {
	From string
	To   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

func NewIllegalTransition(from, to string) error {
	return &IllegalTransitionError{From: from, To: to}
}
