package models

import "github.com/shopspring/decimal"

// CalculateReceiptStatus derives the receipt status from invoice totals and
// the full transaction history. It is a pure function and the only place
// receipt status comes from ledger history rather than stored invoice
// status; it is recomputed after every refund, never cached and trusted.
func CalculateReceiptStatus(total, paidAmount decimal.Decimal, status InvoiceStatus, txns []Transaction) ReceiptStatus {
	var totalRefunded decimal.Decimal
	for _, txn := range txns {
		if txn.Amount.Sign() < 0 {
			totalRefunded = totalRefunded.Add(txn.Amount.Abs())
		}
	}

	switch {
	case totalRefunded.Sign() > 0 && totalRefunded.GreaterThanOrEqual(paidAmount):
		return ReceiptStatusRefunded
	case status == InvoiceStatusPaid || paidAmount.GreaterThanOrEqual(total):
		return ReceiptStatusPaid
	case paidAmount.Sign() > 0:
		return ReceiptStatusPartiallyPaid
	default:
		return ReceiptStatusUnpaid
	}
}
