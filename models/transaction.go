package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transaction is an immutable ledger row. The sign of Amount encodes the
// direction: positive = payment, negative = refund. There are no update or
// delete operations; corrections are offsetting rows.
type Transaction struct {
	ID                int             `gorm:"primary_key" json:"id"`
	TransactionNumber string          `gorm:"size:30;not null;uniqueIndex" json:"transaction_number"`
	InvoiceId         int             `gorm:"index;not null" json:"invoice_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency          string          `gorm:"size:3;not null" json:"currency"`
	PaymentMethod     *string         `gorm:"size:50" json:"payment_method"`
	Description       *string         `gorm:"size:500" json:"description"`
	// UserId is the acting user; null means system or webhook initiated.
	UserId    *int      `gorm:"index" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewTransaction struct {
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	PaymentMethod *string         `json:"payment_method"`
	Description   *string         `json:"description"`
}

// invoiceLookupErr maps only a missing row to ErrInvoiceNotFound. Any other
// storage error keeps its identity; webhook handlers treat ErrInvoiceNotFound
// as a soft no-op, so a transient failure must never wear that name.
func invoiceLookupErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInvoiceNotFound
	}
	return err
}

func fetchInvoiceTransactionsTx(ctx context.Context, tx *gorm.DB, invoiceId int) ([]Transaction, error) {
	var txns []Transaction
	if err := tx.WithContext(ctx).Where("invoice_id = ?", invoiceId).
		Order("id ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// recomputePaidAmountTx derives paid_amount as the exact sum of the ledger
// for the invoice. Run while holding the invoice row lock.
func recomputePaidAmountTx(ctx context.Context, tx *gorm.DB, invoiceId int) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	if err := tx.WithContext(ctx).Model(&Transaction{}).
		Where("invoice_id = ?", invoiceId).
		Select("SUM(amount)").Scan(&sum).Error; err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}

// rewriteReceiptStatusTx stores the freshly derived receipt status and, when
// a receipt snapshot exists, rewrites the status field inside it. Monetary
// figures in the snapshot stay frozen.
func rewriteReceiptStatusTx(ctx context.Context, tx *gorm.DB, invoice *Invoice, status ReceiptStatus) error {
	updates := map[string]interface{}{"receipt_status": status}
	if invoice.ReceiptNumber != nil && len(invoice.ReceiptData) > 0 {
		var snapshot map[string]interface{}
		if err := utils.UnmarshalFromJSON(invoice.ReceiptData, &snapshot); err != nil {
			return err
		}
		snapshot["status"] = status
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		invoice.ReceiptData = data
		updates["receipt_data"] = data
	}
	invoice.ReceiptStatus = status
	return tx.Model(&Invoice{}).Where("id = ?", invoice.ID).Updates(updates).Error
}

// RecordPayment appends a positive ledger row and recomputes the invoice in
// one atomic unit: insert, paid_amount rewrite, conditional invoice and
// linked-order transition all commit together. Concurrent requests against
// the same invoice serialize on the row lock; the redis lock only trims
// contention.
func RecordPayment(ctx context.Context, invoiceId int, input *NewTransaction) (*Transaction, error) {
	db := config.GetDB()

	if input.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	release, err := utils.InvoiceLock(ctx, invoiceId, "transaction", "RecordPayment")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var invoice Invoice
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&invoice, invoiceId).Error; err != nil {
		return nil, invoiceLookupErr(err)
	}
	if invoice.Status == InvoiceStatusPaid {
		return nil, ErrAlreadyPaid
	}
	if invoice.Status == InvoiceStatusVoid {
		return nil, ErrNotPayable
	}

	number, err := NextDocumentNumber(tx, DocumentTypeTransaction, "TXN")
	if err != nil {
		return nil, err
	}
	txn := Transaction{
		TransactionNumber: number,
		InvoiceId:         invoice.ID,
		Amount:            RoundMoney(input.Amount),
		Currency:          invoice.Currency,
		PaymentMethod:     input.PaymentMethod,
		Description:       input.Description,
		UserId:            utils.ActingUserId(ctx),
	}
	if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}

	paid, err := recomputePaidAmountTx(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&Invoice{}).Where("id = ?", invoice.ID).
		Update("paid_amount", paid).Error; err != nil {
		return nil, err
	}
	invoice.PaidAmount = paid

	if paid.GreaterThanOrEqual(invoice.Total) && invoice.Status.IsPayable() {
		if err := transitionInvoice(&invoice, InvoiceStatusPaid); err != nil {
			return nil, err
		}
		if err := tx.Model(&Invoice{}).Where("id = ?", invoice.ID).
			Update("status", InvoiceStatusPaid).Error; err != nil {
			return nil, err
		}
		if err := generateReceiptLocked(ctx, tx, &invoice); err != nil {
			return nil, err
		}
		if invoice.OrderId != nil {
			if err := markOrderPaidTx(ctx, tx, *invoice.OrderId); err != nil {
				return nil, err
			}
		}
		if err := publishDomainEvent(ctx, tx, "invoice.paid", ReferenceTypeInvoice, invoice.ID, &invoice); err != nil {
			return nil, err
		}
	} else {
		txns, err := fetchInvoiceTransactionsTx(ctx, tx, invoice.ID)
		if err != nil {
			return nil, err
		}
		status := CalculateReceiptStatus(invoice.Total, paid, invoice.Status, txns)
		if err := rewriteReceiptStatusTx(ctx, tx, &invoice, status); err != nil {
			return nil, err
		}
	}

	if err := publishDomainEvent(ctx, tx, "transaction.created", ReferenceTypeTransaction, txn.ID, &txn); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// RecordRefund appends a negative ledger row for a positive refund
// magnitude. A refund larger than the collected amount fails; a refund that
// drives paid_amount to exactly zero voids the invoice and moves a linked
// order to refunded, all in the same atomic unit.
func RecordRefund(ctx context.Context, invoiceId int, input *NewTransaction) (*Transaction, error) {
	db := config.GetDB()

	if input.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	release, err := utils.InvoiceLock(ctx, invoiceId, "transaction", "RecordRefund")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var invoice Invoice
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&invoice, invoiceId).Error; err != nil {
		return nil, invoiceLookupErr(err)
	}

	magnitude := RoundMoney(input.Amount)
	if magnitude.GreaterThan(invoice.PaidAmount) {
		return nil, ErrExceedsPaidAmount
	}

	number, err := NextDocumentNumber(tx, DocumentTypeTransaction, "TXN")
	if err != nil {
		return nil, err
	}
	txn := Transaction{
		TransactionNumber: number,
		InvoiceId:         invoice.ID,
		Amount:            magnitude.Neg(),
		Currency:          invoice.Currency,
		PaymentMethod:     input.PaymentMethod,
		Description:       input.Description,
		UserId:            utils.ActingUserId(ctx),
	}
	if err := tx.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}

	paid, err := recomputePaidAmountTx(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	if err := tx.Model(&Invoice{}).Where("id = ?", invoice.ID).
		Update("paid_amount", paid).Error; err != nil {
		return nil, err
	}
	invoice.PaidAmount = paid

	txns, err := fetchInvoiceTransactionsTx(ctx, tx, invoice.ID)
	if err != nil {
		return nil, err
	}
	status := CalculateReceiptStatus(invoice.Total, paid, invoice.Status, txns)
	if err := rewriteReceiptStatusTx(ctx, tx, &invoice, status); err != nil {
		return nil, err
	}

	if paid.IsZero() && invoice.Status != InvoiceStatusVoid {
		if err := transitionInvoice(&invoice, InvoiceStatusVoid); err != nil {
			return nil, err
		}
		reason := "fully refunded"
		if err := tx.Model(&Invoice{}).Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{
				"status":      InvoiceStatusVoid,
				"void_reason": &reason,
			}).Error; err != nil {
			return nil, err
		}
		if invoice.OrderId != nil {
			if err := markOrderRefundedTx(ctx, tx, *invoice.OrderId); err != nil {
				return nil, err
			}
		}
		if err := publishDomainEvent(ctx, tx, "invoice.voided", ReferenceTypeInvoice, invoice.ID, &invoice); err != nil {
			return nil, err
		}
	}

	if err := publishDomainEvent(ctx, tx, "transaction.refunded", ReferenceTypeTransaction, txn.ID, &txn); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func GetTransaction(ctx context.Context, id int) (*Transaction, error) {
	return GetResource[Transaction](ctx, id)
}

func GetTransactions(ctx context.Context, invoiceId *int) ([]*Transaction, error) {
	db := config.GetDB()
	var results []*Transaction

	dbCtx := db.WithContext(ctx)
	if invoiceId != nil {
		dbCtx = dbCtx.Where("invoice_id = ?", *invoiceId)
	}
	err := dbCtx.Order("id ASC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
