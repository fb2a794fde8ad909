package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BillingSnapshot freezes the billing profile used for an order at creation
// time. It must never retroactively change when the live profile does.
type BillingSnapshot struct {
	BillingName      string `gorm:"size:255" json:"billing_name"`
	BillingAddress   string `gorm:"size:500" json:"billing_address"`
	BillingVatNumber string `gorm:"size:50" json:"billing_vat_number"`
}

type Order struct {
	ID             int             `gorm:"primary_key" json:"id"`
	OrderNumber    string          `gorm:"size:30;not null;uniqueIndex" json:"order_number"`
	Status         OrderStatus     `gorm:"size:20;not null;index" json:"status"`
	Currency       string          `gorm:"size:3;not null" json:"currency"`
	UserId         *int            `gorm:"index" json:"user_id"`
	Items          []OrderItem     `gorm:"foreignKey:OrderId" json:"items"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"subtotal"`
	TaxRate        decimal.Decimal `gorm:"type:decimal(8,4);not null" json:"tax_rate"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"tax_amount"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"discount_amount"`
	Total          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
	BillingSnapshot
	PaidAt        *time.Time `json:"paid_at"`
	PaymentMethod *string    `gorm:"size:50" json:"payment_method"`
	CancelReason  *string    `gorm:"size:255" json:"cancel_reason"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderItem struct {
	ID        int             `gorm:"primary_key" json:"id"`
	OrderId   int             `gorm:"index;not null" json:"order_id"`
	Name      string          `gorm:"size:255;not null" json:"name"`
	Qty       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	LineTotal decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"line_total"`
}

type NewOrderItem struct {
	Name      string          `json:"name" binding:"required"`
	Qty       decimal.Decimal `json:"qty" binding:"required"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type NewOrder struct {
	Currency         string           `json:"currency"`
	TaxRate          *decimal.Decimal `json:"tax_rate"`
	DiscountAmount   *decimal.Decimal `json:"discount_amount"`
	Items            []NewOrderItem   `json:"items" binding:"required,dive"`
	BillingName      string           `json:"billing_name"`
	BillingAddress   string           `json:"billing_address"`
	BillingVatNumber string           `json:"billing_vat_number"`
}

// validate input for both create & update
func (input *NewOrder) validate() error {
	if input.Currency != "" && len(input.Currency) != 3 {
		return ErrInvalidAmount
	}
	if len(input.Items) == 0 {
		return ErrInvalidAmount
	}
	for _, item := range input.Items {
		if item.Qty.Sign() <= 0 || item.UnitPrice.Sign() < 0 {
			return ErrInvalidAmount
		}
	}
	if input.TaxRate != nil && input.TaxRate.Sign() < 0 {
		return ErrInvalidAmount
	}
	if input.DiscountAmount != nil && input.DiscountAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func mapNewOrderItems(input []NewOrderItem) []OrderItem {
	items := make([]OrderItem, 0, len(input))
	for _, item := range input {
		items = append(items, OrderItem{
			Name:      item.Name,
			Qty:       item.Qty,
			UnitPrice: item.UnitPrice,
			LineTotal: RoundMoney(item.Qty.Mul(item.UnitPrice)),
		})
	}
	return items
}

// ComputeOrderTotals derives the stored totals from line items:
// total = (subtotal - discount) x (1 + taxRate), rounded at assignment.
// Line totals are rounded already; the taxable base is not rounded early.
func ComputeOrderTotals(items []OrderItem, discount decimal.Decimal, taxRate decimal.Decimal) (subtotal, taxAmount, total decimal.Decimal) {
	for _, item := range items {
		subtotal = subtotal.Add(item.LineTotal)
	}
	taxable := subtotal.Sub(discount)
	taxAmount = ApplyRate(taxable, taxRate)
	total = RoundMoney(taxable.Mul(decimal.NewFromInt(1).Add(taxRate)))
	return subtotal, taxAmount, total
}

func transitionOrder(order *Order, to OrderStatus) error {
	if !order.Status.CanTransitionTo(to) {
		return NewIllegalTransition(string(order.Status), string(to))
	}
	order.Status = to
	return nil
}

func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
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
	discount := utils.DereferencePtr(input.DiscountAmount)

	items := mapNewOrderItems(input.Items)
	subtotal, taxAmount, total := ComputeOrderTotals(items, discount, taxRate)
	if total.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	order := Order{
		Status:         OrderStatusDraft,
		Currency:       currency,
		UserId:         utils.ActingUserId(ctx),
		Items:          items,
		Subtotal:       subtotal,
		TaxRate:        taxRate,
		TaxAmount:      taxAmount,
		DiscountAmount: discount,
		Total:          total,
		BillingSnapshot: BillingSnapshot{
			BillingName:      input.BillingName,
			BillingAddress:   input.BillingAddress,
			BillingVatNumber: input.BillingVatNumber,
		},
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	number, err := NextDocumentNumber(tx, DocumentTypeOrder, settings.OrderPrefix)
	if err != nil {
		return nil, err
	}
	order.OrderNumber = number

	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "order.created", ReferenceTypeOrder, order.ID, &order); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder replaces line items and recomputes totals. Allowed only while
// the order is editable (draft/pending); confirmed+ orders are frozen except
// through a status transition.
func UpdateOrder(ctx context.Context, id int, input *NewOrder) (*Order, error) {
	db := config.GetDB()

	if err := input.validate(); err != nil {
		return nil, err
	}

	order, err := utils.FetchModel[Order](ctx, id, "Items")
	if err != nil {
		return nil, err
	}
	if !order.Status.IsEditable() {
		return nil, ErrNotEditable
	}

	taxRate := order.TaxRate
	if input.TaxRate != nil {
		taxRate = *input.TaxRate
	}
	discount := order.DiscountAmount
	if input.DiscountAmount != nil {
		discount = *input.DiscountAmount
	}

	items := mapNewOrderItems(input.Items)
	subtotal, taxAmount, total := ComputeOrderTotals(items, discount, taxRate)
	if total.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	tx := db.Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	updates := map[string]interface{}{
		"tax_rate":        taxRate,
		"discount_amount": discount,
		"subtotal":        subtotal,
		"tax_amount":      taxAmount,
		"total":           total,
	}
	if input.Currency != "" {
		updates["currency"] = input.Currency
	}
	if input.BillingName != "" {
		updates["billing_name"] = input.BillingName
		updates["billing_address"] = input.BillingAddress
		updates["billing_vat_number"] = input.BillingVatNumber
	}
	if err := tx.WithContext(ctx).Model(order).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(order).
		Session(&gorm.Session{FullSaveAssociations: true, SkipHooks: true}).
		Association("Items").
		Unscoped().Replace(&items); err != nil {
		return nil, err
	}
	order.Items = items
	if err := publishDomainEvent(ctx, tx, "order.updated", ReferenceTypeOrder, order.ID, order); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func ConfirmOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()

	order, err := utils.FetchModel[Order](ctx, id, "Items")
	if err != nil {
		return nil, err
	}
	if err := transitionOrder(order, OrderStatusConfirmed); err != nil {
		return nil, err
	}

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Model(&Order{}).Where("id = ?", order.ID).
		Update("status", OrderStatusConfirmed).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "order.confirmed", ReferenceTypeOrder, order.ID, order); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func MarkOrderPaid(ctx context.Context, id int, paymentMethod *string) (*Order, error) {
	db := config.GetDB()

	order, err := utils.FetchModel[Order](ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.IsPayable() {
		return nil, ErrNotPayable
	}
	if err := transitionOrder(order, OrderStatusPaid); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order.PaidAt = &now
	order.PaymentMethod = paymentMethod

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Model(&Order{}).Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":         OrderStatusPaid,
			"paid_at":        order.PaidAt,
			"payment_method": paymentMethod,
		}).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "order.paid", ReferenceTypeOrder, order.ID, order); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

func CancelOrder(ctx context.Context, id int, reason *string) (*Order, error) {
	db := config.GetDB()

	order, err := utils.FetchModel[Order](ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.Status.IsCancellable() {
		return nil, ErrNotCancellable
	}
	if err := transitionOrder(order, OrderStatusCancelled); err != nil {
		return nil, err
	}
	order.CancelReason = reason

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Model(&Order{}).Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":        OrderStatusCancelled,
			"cancel_reason": reason,
		}).Error; err != nil {
		return nil, err
	}
	if err := publishDomainEvent(ctx, tx, "order.cancelled", ReferenceTypeOrder, order.ID, order); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return order, nil
}

// DeleteOrder is permitted only while draft.
func DeleteOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()

	order, err := utils.FetchModel[Order](ctx, id, "Items")
	if err != nil {
		return nil, err
	}
	if order.Status != OrderStatusDraft {
		return nil, ErrNotEditable
	}

	if err := db.WithContext(ctx).Select("Items").Delete(order).Error; err != nil {
		return nil, err
	}
	return order, nil
}

// markOrderPaidTx advances a linked order to paid inside an invoice-level
// transaction, auto-confirming it first when still draft/pending. Caller owns
// the transaction boundary.
func markOrderPaidTx(ctx context.Context, tx *gorm.DB, orderId int) error {
	var order Order
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, orderId).Error; err != nil {
		return err
	}
	if order.Status == OrderStatusPaid {
		return nil
	}
	if order.Status.IsEditable() {
		if err := transitionOrder(&order, OrderStatusConfirmed); err != nil {
			return err
		}
		if err := tx.Model(&Order{}).Where("id = ?", order.ID).
			Update("status", OrderStatusConfirmed).Error; err != nil {
			return err
		}
		if err := publishDomainEvent(ctx, tx, "order.confirmed", ReferenceTypeOrder, order.ID, &order); err != nil {
			return err
		}
	}
	if err := transitionOrder(&order, OrderStatusPaid); err != nil {
		return err
	}
	now := time.Now().UTC()
	order.PaidAt = &now
	if err := tx.Model(&Order{}).Where("id = ?", order.ID).
		Updates(map[string]interface{}{"status": OrderStatusPaid, "paid_at": &now}).Error; err != nil {
		return err
	}
	return publishDomainEvent(ctx, tx, "order.paid", ReferenceTypeOrder, order.ID, &order)
}

// markOrderRefundedTx moves a linked order to refunded when its invoice's
// paid amount returns to zero. Caller owns the transaction boundary.
func markOrderRefundedTx(ctx context.Context, tx *gorm.DB, orderId int) error {
	var order Order
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, orderId).Error; err != nil {
		return err
	}
	if order.Status == OrderStatusRefunded {
		return nil
	}
	if err := transitionOrder(&order, OrderStatusRefunded); err != nil {
		return err
	}
	if err := tx.Model(&Order{}).Where("id = ?", order.ID).
		Update("status", OrderStatusRefunded).Error; err != nil {
		return err
	}
	return publishDomainEvent(ctx, tx, "order.refunded", ReferenceTypeOrder, order.ID, &order)
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	return GetResource[Order](ctx, id, "Items")
}

func GetOrders(ctx context.Context, status *OrderStatus) ([]*Order, error) {
	db := config.GetDB()
	var results []*Order

	dbCtx := db.WithContext(ctx)
	if status != nil {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	err := dbCtx.Preload("Items").Order("id DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
