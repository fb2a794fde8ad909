package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCalculateReceiptStatus(t *testing.T) {
	payment := func(amount string) Transaction {
		return Transaction{Amount: decimal.RequireFromString(amount)}
	}

	cases := []struct {
		name     string
		total    string
		paid     string
		status   InvoiceStatus
		txns     []Transaction
		expected ReceiptStatus
	}{
		{
			name:  "no payments",
			total: "120.00", paid: "0", status: InvoiceStatusSent,
			expected: ReceiptStatusUnpaid,
		},
		{
			name:  "partial payment",
			total: "120.00", paid: "60.00", status: InvoiceStatusSent,
			txns:     []Transaction{payment("60.00")},
			expected: ReceiptStatusPartiallyPaid,
		},
		{
			name:  "fully collected",
			total: "120.00", paid: "120.00", status: InvoiceStatusPaid,
			txns:     []Transaction{payment("120.00")},
			expected: ReceiptStatusPaid,
		},
		{
			name:  "paid status wins even if paid amount dropped below total",
			total: "120.00", paid: "100.00", status: InvoiceStatusPaid,
			txns:     []Transaction{payment("120.00"), payment("-20.00")},
			expected: ReceiptStatusPaid,
		},
		{
			name:  "full refund",
			total: "120.00", paid: "0", status: InvoiceStatusVoid,
			txns:     []Transaction{payment("120.00"), payment("-120.00")},
			expected: ReceiptStatusRefunded,
		},
		{
			name:  "refunds covering remaining paid amount",
			total: "120.00", paid: "40.00", status: InvoiceStatusSent,
			txns:     []Transaction{payment("120.00"), payment("-40.00"), payment("-40.00")},
			expected: ReceiptStatusRefunded,
		},
		{
			name:  "overpayment counts as paid",
			total: "120.00", paid: "130.00", status: InvoiceStatusSent,
			txns:     []Transaction{payment("130.00")},
			expected: ReceiptStatusPaid,
		},
	}

	for _, tc := range cases {
		got := CalculateReceiptStatus(
			decimal.RequireFromString(tc.total),
			decimal.RequireFromString(tc.paid),
			tc.status,
			tc.txns,
		)
		if got != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, got)
		}
	}
}
