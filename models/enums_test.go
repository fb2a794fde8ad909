package models

import (
	"encoding/json"
	"testing"
)

func TestOrderStatusTransitionTable(t *testing.T) {
	all := []OrderStatus{
		OrderStatusDraft, OrderStatusPending, OrderStatusConfirmed,
		OrderStatusPaid, OrderStatusCancelled, OrderStatusRefunded,
	}
	allowed := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusDraft:     {OrderStatusPending: true, OrderStatusConfirmed: true, OrderStatusCancelled: true},
		OrderStatusPending:   {OrderStatusConfirmed: true, OrderStatusCancelled: true},
		OrderStatusConfirmed: {OrderStatusPaid: true, OrderStatusCancelled: true, OrderStatusRefunded: true},
		OrderStatusPaid:      {OrderStatusRefunded: true},
		OrderStatusCancelled: {},
		OrderStatusRefunded:  {},
	}
	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			if got != want {
				t.Fatalf("order %s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestInvoiceStatusTransitionTable(t *testing.T) {
	all := []InvoiceStatus{
		InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPaid,
		InvoiceStatusOverdue, InvoiceStatusVoid,
	}
	allowed := map[InvoiceStatus]map[InvoiceStatus]bool{
		InvoiceStatusDraft:   {InvoiceStatusSent: true, InvoiceStatusVoid: true},
		InvoiceStatusSent:    {InvoiceStatusPaid: true, InvoiceStatusOverdue: true, InvoiceStatusVoid: true},
		InvoiceStatusOverdue: {InvoiceStatusPaid: true, InvoiceStatusVoid: true},
		InvoiceStatusPaid:    {InvoiceStatusVoid: true},
		InvoiceStatusVoid:    {},
	}
	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			if got != want {
				t.Fatalf("invoice %s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestOrderStatusPredicates(t *testing.T) {
	if !OrderStatusDraft.IsEditable() || !OrderStatusPending.IsEditable() {
		t.Fatal("draft and pending orders must be editable")
	}
	if OrderStatusConfirmed.IsEditable() || OrderStatusPaid.IsEditable() {
		t.Fatal("confirmed and paid orders must not be editable")
	}
	// paid is excluded from the cancellable set
	if OrderStatusPaid.IsCancellable() {
		t.Fatal("paid orders must not be cancellable")
	}
	if !OrderStatusDraft.IsCancellable() || !OrderStatusPending.IsCancellable() || !OrderStatusConfirmed.IsCancellable() {
		t.Fatal("draft, pending and confirmed orders must be cancellable")
	}
	if !OrderStatusConfirmed.IsPayable() || OrderStatusDraft.IsPayable() {
		t.Fatal("only confirmed orders are directly payable")
	}
}

func TestInvoiceStatusPredicates(t *testing.T) {
	if !InvoiceStatusDraft.IsSendable() {
		t.Fatal("draft invoices must be sendable")
	}
	if InvoiceStatusVoid.IsSendable() || InvoiceStatusPaid.IsSendable() {
		t.Fatal("only draft invoices are sendable")
	}
	if !InvoiceStatusSent.IsPayable() || !InvoiceStatusOverdue.IsPayable() {
		t.Fatal("sent and overdue invoices must be payable")
	}
	if InvoiceStatusPaid.IsPayable() || InvoiceStatusVoid.IsPayable() {
		t.Fatal("paid and void invoices must not be payable")
	}
	// voiding a paid invoice only happens through the full refund cascade
	if InvoiceStatusPaid.IsVoidable() {
		t.Fatal("paid invoices must not be directly voidable")
	}
	if !InvoiceStatusDraft.IsVoidable() || !InvoiceStatusSent.IsVoidable() || !InvoiceStatusOverdue.IsVoidable() {
		t.Fatal("draft, sent and overdue invoices must be voidable")
	}
}

func TestStatusJSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(OrderStatusConfirmed)
	if err != nil {
		t.Fatalf("marshal order status: %v", err)
	}
	if string(b) != `"confirmed"` {
		t.Fatalf(`expected "confirmed", got %s`, b)
	}
	var s OrderStatus
	if err := json.Unmarshal([]byte(`"cancelled"`), &s); err != nil {
		t.Fatalf("unmarshal order status: %v", err)
	}
	if s != OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", s)
	}
	if err := json.Unmarshal([]byte(`"bogus"`), &s); err == nil {
		t.Fatal("expected error for unknown order status")
	}

	var is InvoiceStatus
	if err := json.Unmarshal([]byte(`"overdue"`), &is); err != nil {
		t.Fatalf("unmarshal invoice status: %v", err)
	}
	if is != InvoiceStatusOverdue {
		t.Fatalf("expected overdue, got %s", is)
	}

	var rs ReceiptStatus
	if err := json.Unmarshal([]byte(`"partially_paid"`), &rs); err != nil {
		t.Fatalf("unmarshal receipt status: %v", err)
	}
	if rs != ReceiptStatusPartiallyPaid {
		t.Fatalf("expected partially_paid, got %s", rs)
	}
}
