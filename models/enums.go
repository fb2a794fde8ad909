package models

import (
	"encoding/json"
	"errors"
	"strconv"
)

type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// closed transition table, anything not listed is illegal
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:     {OrderStatusPending, OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPaid, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusPaid:      {OrderStatusRefunded},
	OrderStatusCancelled: {},
	OrderStatusRefunded:  {},
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// line items and snapshot are mutable only in these states
func (s OrderStatus) IsEditable() bool {
	return s == OrderStatusDraft || s == OrderStatusPending
}

func (s OrderStatus) IsCancellable() bool {
	return s == OrderStatusDraft || s == OrderStatusPending || s == OrderStatusConfirmed
}

func (s OrderStatus) IsPayable() bool {
	return s == OrderStatusConfirmed
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(s))), nil
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("order status must be string")
	}
	switch str {
	case "draft":
		*s = OrderStatusDraft
	case "pending":
		*s = OrderStatusPending
	case "confirmed":
		*s = OrderStatusConfirmed
	case "paid":
		*s = OrderStatusPaid
	case "cancelled":
		*s = OrderStatusCancelled
	case "refunded":
		*s = OrderStatusRefunded
	default:
		return errors.New("invalid order status")
	}
	return nil
}

type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// paid -> void is only reachable through the full-refund cascade
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:   {InvoiceStatusSent, InvoiceStatusVoid},
	InvoiceStatusSent:    {InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusVoid},
	InvoiceStatusOverdue: {InvoiceStatusPaid, InvoiceStatusVoid},
	InvoiceStatusPaid:    {InvoiceStatusVoid},
	InvoiceStatusVoid:    {},
}

func (s InvoiceStatus) CanTransitionTo(to InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s InvoiceStatus) IsSendable() bool {
	return s == InvoiceStatusDraft
}

func (s InvoiceStatus) IsPayable() bool {
	return s == InvoiceStatusSent || s == InvoiceStatusOverdue
}

// paid is excluded: voiding a paid invoice goes through the refund path
func (s InvoiceStatus) IsVoidable() bool {
	return s == InvoiceStatusDraft || s == InvoiceStatusSent || s == InvoiceStatusOverdue
}

func (s InvoiceStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(s))), nil
}

func (s *InvoiceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("invoice status must be string")
	}
	switch str {
	case "draft":
		*s = InvoiceStatusDraft
	case "sent":
		*s = InvoiceStatusSent
	case "paid":
		*s = InvoiceStatusPaid
	case "overdue":
		*s = InvoiceStatusOverdue
	case "void":
		*s = InvoiceStatusVoid
	default:
		return errors.New("invalid invoice status")
	}
	return nil
}

type ReceiptStatus string

const (
	ReceiptStatusUnpaid        ReceiptStatus = "unpaid"
	ReceiptStatusPartiallyPaid ReceiptStatus = "partially_paid"
	ReceiptStatusPaid          ReceiptStatus = "paid"
	ReceiptStatusRefunded      ReceiptStatus = "refunded"
)

func (s ReceiptStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(s))), nil
}

func (s *ReceiptStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("receipt status must be string")
	}
	switch str {
	case "unpaid":
		*s = ReceiptStatusUnpaid
	case "partially_paid":
		*s = ReceiptStatusPartiallyPaid
	case "paid":
		*s = ReceiptStatusPaid
	case "refunded":
		*s = ReceiptStatusRefunded
	default:
		return errors.New("invalid receipt status")
	}
	return nil
}

// DocumentType keys the per-year number series.
type DocumentType string

const (
	DocumentTypeOrder       DocumentType = "order"
	DocumentTypeInvoice     DocumentType = "invoice"
	DocumentTypeReceipt     DocumentType = "receipt"
	DocumentTypeTransaction DocumentType = "transaction"
)
