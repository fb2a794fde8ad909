package config

import "context"

// Notifier delivers customer-facing notices (invoice sent, payment failed,
// dunning reminders). The default implementation only logs; deployments wire
// a real sender at startup.
type Notifier interface {
	NotifyInvoiceSent(ctx context.Context, invoiceId int, invoiceNumber string, customerEmail string) error
	NotifyPaymentFailed(ctx context.Context, invoiceId int, reason string) error
	NotifyOverdue(ctx context.Context, invoiceId int, invoiceNumber string, daysOverdue int) error
}

type logNotifier struct{}

func (logNotifier) NotifyInvoiceSent(ctx context.Context, invoiceId int, invoiceNumber string, customerEmail string) error {
	GetLogger().WithField("invoice_id", invoiceId).WithField("invoice_number", invoiceNumber).
		Info("invoice sent notification")
	return nil
}

func (logNotifier) NotifyPaymentFailed(ctx context.Context, invoiceId int, reason string) error {
	GetLogger().WithField("invoice_id", invoiceId).WithField("reason", reason).
		Info("payment failed notification")
	return nil
}

func (logNotifier) NotifyOverdue(ctx context.Context, invoiceId int, invoiceNumber string, daysOverdue int) error {
	GetLogger().WithField("invoice_id", invoiceId).WithField("invoice_number", invoiceNumber).
		WithField("days_overdue", daysOverdue).Info("overdue notification")
	return nil
}

var notifier Notifier = logNotifier{}

func GetNotifier() Notifier { return notifier }

func SetNotifier(n Notifier) { notifier = n }
