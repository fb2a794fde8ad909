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

type Invoice struct {
	ID            int             `gorm:"primary_key" json:"id"`
	InvoiceNumber string          `gorm:"size:30;not null;uniqueIndex" json:"invoice_number"`
	Status        InvoiceStatus   `gorm:"size:20;not null;index" json:"status"`
	OrderId       *int            `gorm:"index" json:"order_id"`
	Currency      string          `gorm:"size:3;not null" json:"currency"`
	InvoiceDate   time.Time       `gorm:"not null" json:"invoice_date"`
	DueDate       time.Time       `gorm:"index;not null" json:"due_date"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"subtotal"`
	TaxAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"tax_amount"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
	// PaidAmount is derived from the transaction ledger; it is rewritten
	// atomically with every ledger insert, never set independently.
	PaidAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"paid_amount"`
	BillingSnapshot
	// Bank / payment-terms snapshot frozen at creation.
	BankName     string `gorm:"size:255" json:"bank_name"`
	BankIban     string `gorm:"size:50" json:"bank_iban"`
	PaymentTerms string `gorm:"size:255" json:"payment_terms"`
	// Receipt fields. ReceiptNumber is assigned once and never reused.
	ReceiptNumber      *string       `gorm:"size:30;uniqueIndex" json:"receipt_number"`
	ReceiptGeneratedAt *time.Time    `json:"receipt_generated_at"`
	ReceiptData        []byte        `gorm:"type:blob" json:"receipt_data"`
	ReceiptStatus      ReceiptStatus `gorm:"size:20;not null;default:'unpaid'" json:"receipt_status"`
	VoidReason         *string       `gorm:"size:255" json:"void_reason"`
	SendHistory        []InvoiceSendRecord `gorm:"foreignKey:InvoiceId" json:"send_history"`
	CreatedAt          time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// InvoiceSendRecord is the append-only send-history log.
type InvoiceSendRecord struct {
	ID        int       `gorm:"primary_key" json:"id"`
	InvoiceId int       `gorm:"index;not null" json:"invoice_id"`
	Recipient string    `gorm:"size:255;not null" json:"recipient"`
	SentAt    time.Time `gorm:"not null" json:"sent_at"`
}

// receiptSnapshot is the frozen receipt_data payload. Only the status field
// is ever rewritten after generation.
type receiptSnapshot struct {
	ReceiptNumber string          `json:"receipt_number"`
	InvoiceNumber string          `json:"invoice_number"`
	Status        ReceiptStatus   `json:"status"`
	Currency      string          `json:"currency"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Total         decimal.Decimal `json:"total"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

type NewInvoice struct {
	Currency     string           `json:"currency"`
	Subtotal     decimal.Decimal  `json:"subtotal" binding:"required"`
	TaxRate      *decimal.Decimal `json:"tax_rate"`
	InvoiceDate  *time.Time       `json:"invoice_date"`
	BillingName  string           `json:"billing_name"`
	BillingAddress   string       `json:"billing_address"`
	BillingVatNumber string       `json:"billing_vat_number"`
	BankName     string           `json:"bank_name"`
	BankIban     string           `json:"bank_iban"`
	PaymentTerms string           `json:"payment_terms"`
}

func (input *NewInvoice) validate() error {
	if input.Currency != "" && len(input.Currency) != 3 {
		return ErrInvalidAmount
	}
	if input.Subtotal.Sign() < 0 {
		return ErrInvalidAmount
	}
	if input.TaxRate != nil && input.TaxRate.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func transitionInvoice(invoice *Invoice, to InvoiceStatus) error {
	if !invoice.Status.CanTransitionTo(to) {
		return NewIllegalTransition(string(invoice.Status), string(to))
	}
	invoice.Status = to
	return nil
}

// CreateInvoice creates a standalone draft invoice.
func CreateInvoice(ctx context.Context, input *NewInvoice) (*Invoice, error) {
	db := config.GetDB()

	if err := input.validate(); err != nil {
		return nil, err
	}

	settings := config.GetSettings()
	currency := input.Currency
	if currency == "" {
		currency = settings.Currency
	}
	taxRate := settings.DefaultTaxRate
	if input.TaxRate != nil {
		taxRate = *input.TaxRate
	}
	invoiceDate := time.Now().UTC()
	if input.InvoiceDate != nil {
		invoiceDate = input.InvoiceDate.UTC()
	}

	invoice := Invoice{
		Status:      InvoiceStatusDraft,
		Currency:    currency,
		InvoiceDate: invoiceDate,
		DueDate:     invoiceDate.AddDate(0, 0, settings.InvoiceDueDays),
		Subtotal:    input.Subtotal,
		TaxAmount:   ApplyRate(input.Subtotal, taxRate),
		Total:       RoundMoney(input.Subtotal.Mul(decimal.NewFromInt(1).Add(taxRate))),
		PaidAmount:  decimal.Zero,
		BillingSnapshot: BillingSnapshot{
			BillingName:      input.BillingName,
			BillingAddress:   input.BillingAddress,
			BillingVatNumber: input.BillingVatNumber,
		},
		BankName:      input.BankName,
		BankIban:      input.BankIban,
		PaymentTerms:  input.PaymentTerms,
		ReceiptStatus: ReceiptStatusUnpaid,
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	number, err := NextDocumentNumber(tx, DocumentTypeInvoice, settings.InvoicePrefix)
	if err != nil {
		return nil, err
	}
	invoice.InvoiceNumber = number

	if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "invoice.created", ReferenceTypeInvoice, invoice.ID, &invoice); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// CreateInvoiceFromOrder generates a draft invoice for a confirmed order,
// copying its totals, currency and billing snapshot.
func CreateInvoiceFromOrder(ctx context.Context, orderId int) (*Invoice, error) {
	db := config.GetDB()

	order, err := utils.FetchModel[Order](ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusConfirmed {
		return nil, errors.New("order must be confirmed")
	}

	settings := config.GetSettings()
	invoiceDate := time.Now().UTC()

	invoice := Invoice{
		Status:          InvoiceStatusDraft,
		OrderId:         &order.ID,
		Currency:        order.Currency,
		InvoiceDate:     invoiceDate,
		DueDate:         invoiceDate.AddDate(0, 0, settings.InvoiceDueDays),
		Subtotal:        order.Subtotal,
		TaxAmount:       order.TaxAmount,
		Total:           order.Total,
		PaidAmount:      decimal.Zero,
		BillingSnapshot: order.BillingSnapshot,
		ReceiptStatus:   ReceiptStatusUnpaid,
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	number, err := NextDocumentNumber(tx, DocumentTypeInvoice, settings.InvoicePrefix)
	if err != nil {
		return nil, err
	}
	invoice.InvoiceNumber = number

	if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "invoice.created", ReferenceTypeInvoice, invoice.ID, &invoice); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// SendInvoice transitions a draft invoice to sent and records a send-history
// entry. Resending from sent/overdue appends history only. The notification
// dispatch is fire-and-forget after commit.
func SendInvoice(ctx context.Context, id int, recipient string) (*Invoice, error) {
	db := config.GetDB()

	invoice, err := utils.FetchModel[Invoice](ctx, id)
	if err != nil {
		return nil, err
	}

	firstSend := invoice.Status.IsSendable()
	resend := invoice.Status == InvoiceStatusSent || invoice.Status == InvoiceStatusOverdue
	if !firstSend && !resend {
		return nil, ErrNotSendable
	}

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if firstSend {
		if err := transitionInvoice(invoice, InvoiceStatusSent); err != nil {
			return nil, err
		}
		if err := tx.WithContext(ctx).Model(&Invoice{}).Where("id = ?", invoice.ID).
			Update("status", InvoiceStatusSent).Error; err != nil {
			return nil, err
		}
		if err := publishDomainEvent(ctx, tx, "invoice.sent", ReferenceTypeInvoice, invoice.ID, invoice); err != nil {
			return nil, err
		}
	}
	record := InvoiceSendRecord{
		InvoiceId: invoice.ID,
		Recipient: recipient,
		SentAt:    time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := config.GetNotifier().NotifyInvoiceSent(ctx, invoice.ID, invoice.InvoiceNumber, recipient); err != nil {
		config.LogError(config.GetLogger(), "invoice", "SendInvoice", "notification dispatch failed", invoice.ID, err)
	}
	return invoice, nil
}

// generateReceiptLocked assigns the receipt number and freezes the receipt
// snapshot. The caller holds the invoice row lock and owns the transaction.
func generateReceiptLocked(ctx context.Context, tx *gorm.DB, invoice *Invoice) error {
	if invoice.ReceiptNumber != nil {
		return nil
	}

	settings := config.GetSettings()
	number, err := NextDocumentNumber(tx, DocumentTypeReceipt, settings.ReceiptPrefix)
	if err != nil {
		return err
	}

	txns, err := fetchInvoiceTransactionsTx(ctx, tx, invoice.ID)
	if err != nil {
		return err
	}
	status := CalculateReceiptStatus(invoice.Total, invoice.PaidAmount, invoice.Status, txns)

	now := time.Now().UTC()
	snapshot := receiptSnapshot{
		ReceiptNumber: number,
		InvoiceNumber: invoice.InvoiceNumber,
		Status:        status,
		Currency:      invoice.Currency,
		Subtotal:      invoice.Subtotal,
		TaxAmount:     invoice.TaxAmount,
		Total:         invoice.Total,
		PaidAmount:    invoice.PaidAmount,
		GeneratedAt:   now,
	}
	data, err := json.Marshal(&snapshot)
	if err != nil {
		return err
	}

	invoice.ReceiptNumber = &number
	invoice.ReceiptGeneratedAt = &now
	invoice.ReceiptData = data
	invoice.ReceiptStatus = status

	return tx.Model(&Invoice{}).Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"receipt_number":       number,
			"receipt_generated_at": &now,
			"receipt_data":         data,
			"receipt_status":       status,
		}).Error
}

// MarkInvoicePaid marks a sent/overdue invoice paid regardless of the ledger
// balance (manual settlement). Receipt generation and the linked-order
// cascade run in the same atomic unit.
func MarkInvoicePaid(ctx context.Context, id int) (*Invoice, error) {
	db := config.GetDB()

	release, err := utils.InvoiceLock(ctx, id, "invoice", "MarkInvoicePaid")
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
		First(&invoice, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if !invoice.Status.IsPayable() {
		return nil, ErrNotPayable
	}
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
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// VoidInvoice voids a draft/sent/overdue invoice. A paid invoice is voided
// only through the full-refund path in RecordRefund.
func VoidInvoice(ctx context.Context, id int, reason *string) (*Invoice, error) {
	db := config.GetDB()

	invoice, err := utils.FetchModel[Invoice](ctx, id)
	if err != nil {
		return nil, err
	}
	if !invoice.Status.IsVoidable() {
		return nil, ErrNotVoidable
	}
	if err := transitionInvoice(invoice, InvoiceStatusVoid); err != nil {
		return nil, err
	}
	invoice.VoidReason = reason

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Model(&Invoice{}).Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"status":      InvoiceStatusVoid,
			"void_reason": reason,
		}).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "invoice.voided", ReferenceTypeInvoice, invoice.ID, invoice); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return invoice, nil
}

// GenerateReceipt issues a receipt for a partially paid invoice. Fails once
// a receipt number exists or while no payment has been collected.
func GenerateReceipt(ctx context.Context, id int) (*Invoice, error) {
	db := config.GetDB()

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
		First(&invoice, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if invoice.ReceiptNumber != nil {
		return nil, ErrAlreadyGenerated
	}
	if invoice.PaidAmount.Sign() <= 0 {
		return nil, ErrNoPayments
	}
	if err := generateReceiptLocked(ctx, tx, &invoice); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &invoice, nil
}

// UpdateReceiptStatus rewrites only the status field inside the frozen
// receipt snapshot; the monetary figures are never recomputed.
func UpdateReceiptStatus(ctx context.Context, id int, status ReceiptStatus) (*Invoice, error) {
	db := config.GetDB()

	invoice, err := utils.FetchModel[Invoice](ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.ReceiptNumber == nil {
		return nil, ErrNoPayments
	}

	var snapshot map[string]interface{}
	if err := utils.UnmarshalFromJSON(invoice.ReceiptData, &snapshot); err != nil {
		return nil, err
	}
	snapshot["status"] = status
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Model(&Invoice{}).Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"receipt_data":   data,
			"receipt_status": status,
		}).Error; err != nil {
		return nil, err
	}
	invoice.ReceiptData = data
	invoice.ReceiptStatus = status
	return invoice, nil
}

// MarkOverdueInvoices bulk-transitions sent invoices past their due date to
// overdue. Idempotent and safe to run concurrently with payment recording:
// rows already paid or already overdue are untouched.
func MarkOverdueInvoices(ctx context.Context) (int, error) {
	db := config.GetDB()
	now := time.Now().UTC()

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var ids []int
	if err := tx.WithContext(ctx).Model(&Invoice{}).
		Where("status = ? AND due_date < ?", InvoiceStatusSent, now).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		_ = tx.Rollback().Error
		return 0, nil
	}

	res := tx.Model(&Invoice{}).
		Where("id IN ? AND status = ?", ids, InvoiceStatusSent).
		Update("status", InvoiceStatusOverdue)
	if res.Error != nil {
		return 0, res.Error
	}
	for _, invoiceId := range ids {
		if err := publishDomainEvent(ctx, tx, "invoice.overdue", ReferenceTypeInvoice, invoiceId, map[string]interface{}{
			"invoice_id": invoiceId,
			"overdue_at": now,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return 0, err
	}
	return int(res.RowsAffected), nil
}

func GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	return GetResource[Invoice](ctx, id, "SendHistory")
}

func GetInvoices(ctx context.Context, status *InvoiceStatus) ([]*Invoice, error) {
	db := config.GetDB()
	var results []*Invoice

	dbCtx := db.WithContext(ctx)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	err := dbCtx.Order("id DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
