package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/sirupsen/logrus"
)

// WebhookResult is the terminal outcome of one delivery. Process never
// raises to its caller; a single bad event must not crash the ingestion
// path.
type WebhookResult struct {
	Duplicate bool   `json:"duplicate"`
	Processed bool   `json:"processed"`
	Retriable bool   `json:"retriable"`
	Note      string `json:"note,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessWebhook logs the event, dispatches its variant to a handler, and
// records the handling outcome. Soft outcomes (invoice missing, already
// paid, refund exceeding the collected amount) are logged successful no-ops,
// not retries.
func ProcessWebhook(ctx context.Context, event models.NormalizedEvent) (result WebhookResult) {
	logger := config.GetLogger()

	// Webhook flows carry no acting user.
	ctx = utils.SetSystemActorInContext(ctx)

	var row *models.WebhookEvent
	defer func() {
		if r := recover(); r != nil {
			panicErr := fmt.Errorf("panic during webhook handling: %v", r)
			retriable := true
			if row != nil {
				// A panic spends a retry like any other failure, else a
				// deterministically panicking event retries forever.
				_ = models.MarkWebhookFailed(ctx, row.ID, panicErr)
				retriable = row.RetryCount+1 < models.WebhookRetryCeiling
			}
			result = WebhookResult{
				Retriable: retriable,
				Error:     panicErr.Error(),
			}
			logger.WithFields(logrus.Fields{
				"provider": event.Provider,
				"event_id": event.EventID,
				"type":     event.Type,
			}).Error(result.Error)
		}
	}()

	row, err := models.InsertWebhookEvent(ctx, event)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEvent) {
			return WebhookResult{Duplicate: true}
		}
		return WebhookResult{Retriable: true, Error: err.Error()}
	}

	note, handleErr := dispatchWebhook(ctx, event, models.DecodeWebhookVariant(event.Type, event.Data))
	if handleErr != nil {
		_ = models.MarkWebhookFailed(ctx, row.ID, handleErr)
		config.LogError(logger, "workflow", "ProcessWebhook", "webhook handling failed", event.EventID, handleErr)
		return WebhookResult{
			Retriable: row.RetryCount+1 < models.WebhookRetryCeiling,
			Error:     handleErr.Error(),
		}
	}

	if err := models.MarkWebhookProcessed(ctx, row.ID); err != nil {
		config.LogError(logger, "workflow", "ProcessWebhook", "could not mark webhook processed", event.EventID, err)
		return WebhookResult{Retriable: true, Error: err.Error()}
	}
	if note != "" {
		logger.WithFields(logrus.Fields{
			"provider": event.Provider,
			"event_id": event.EventID,
			"type":     event.Type,
		}).Info(note)
	}
	return WebhookResult{Processed: true, Note: note}
}

// dispatchWebhook runs the business-logic side effect for one variant. The
// returned note marks a soft outcome; a returned error schedules a retry.
func dispatchWebhook(ctx context.Context, event models.NormalizedEvent, variant models.WebhookVariant) (string, error) {
	switch v := variant.(type) {
	case models.CheckoutCompleted:
		method := "provider:" + event.Provider
		_, err := models.RecordPayment(ctx, v.InvoiceId, &models.NewTransaction{
			Amount:        v.AmountTotal,
			PaymentMethod: &method,
		})
		switch {
		case err == nil:
			return "", nil
		case errors.Is(err, models.ErrInvoiceNotFound):
			return "invoice not found, ignoring checkout event", nil
		case errors.Is(err, models.ErrAlreadyPaid):
			return "invoice already paid, ignoring checkout event", nil
		default:
			return "", err
		}

	case models.PaymentFailed:
		invoiceId := utils.NilIfEmpty(v.InvoiceId)
		if _, err := models.CreateDunningLog(ctx, event.Provider, event.EventID, invoiceId, v.Reason); err != nil {
			return "", err
		}
		if invoiceId != nil {
			if err := config.GetNotifier().NotifyPaymentFailed(ctx, *invoiceId, v.Reason); err != nil {
				config.LogError(config.GetLogger(), "workflow", "dispatchWebhook", "payment failed notification", event.EventID, err)
			}
		}
		return "", nil

	case models.RefundCreated:
		desc := "provider refund " + event.EventID
		_, err := models.RecordRefund(ctx, v.InvoiceId, &models.NewTransaction{
			Amount:      v.Amount,
			Description: &desc,
		})
		switch {
		case err == nil:
			return "", nil
		case errors.Is(err, models.ErrInvoiceNotFound):
			return "invoice not found, ignoring refund event", nil
		case errors.Is(err, models.ErrExceedsPaidAmount):
			return "refund exceeds paid amount, ignoring refund event", nil
		default:
			return "", err
		}

	case models.SetupCompleted:
		_, err := models.SavePaymentMethodRef(ctx, event.Provider, v)
		return "", err

	case models.UnknownEvent:
		// Forward compatibility: new provider event types are acknowledged
		// without side effect.
		return "unknown event type " + v.Type + ", acknowledged without side effect", nil

	default:
		return "unhandled event variant, acknowledged without side effect", nil
	}
}
