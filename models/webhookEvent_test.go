package models

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecodeWebhookVariant(t *testing.T) {
	t.Run("checkout completed converts cents", func(t *testing.T) {
		v := DecodeWebhookVariant("checkout.completed", map[string]interface{}{
			"invoice_id":   float64(42),
			"amount_total": float64(12000),
		})
		checkout, ok := v.(CheckoutCompleted)
		if !ok {
			t.Fatalf("expected CheckoutCompleted, got %T", v)
		}
		if checkout.InvoiceId != 42 {
			t.Fatalf("invoice_id expected 42, got %d", checkout.InvoiceId)
		}
		if !checkout.AmountTotal.Equal(decimal.RequireFromString("120.00")) {
			t.Fatalf("amount expected 120.00, got %s", checkout.AmountTotal.String())
		}
	})

	t.Run("payment failed", func(t *testing.T) {
		v := DecodeWebhookVariant("payment.failed", map[string]interface{}{
			"invoice_id": float64(7),
			"reason":     "card_declined",
		})
		failed, ok := v.(PaymentFailed)
		if !ok {
			t.Fatalf("expected PaymentFailed, got %T", v)
		}
		if failed.InvoiceId != 7 || failed.Reason != "card_declined" {
			t.Fatalf("unexpected payload: %+v", failed)
		}
	})

	t.Run("refund created", func(t *testing.T) {
		v := DecodeWebhookVariant("refund.created", map[string]interface{}{
			"invoice_id": float64(7),
			"amount":     float64(500),
		})
		refund, ok := v.(RefundCreated)
		if !ok {
			t.Fatalf("expected RefundCreated, got %T", v)
		}
		if !refund.Amount.Equal(decimal.RequireFromString("5.00")) {
			t.Fatalf("amount expected 5.00, got %s", refund.Amount.String())
		}
	})

	t.Run("setup completed", func(t *testing.T) {
		v := DecodeWebhookVariant("setup.completed", map[string]interface{}{
			"customer":       "cus_123",
			"payment_method": "pm_456",
			"brand":          "visa",
			"last4":          "4242",
		})
		setup, ok := v.(SetupCompleted)
		if !ok {
			t.Fatalf("expected SetupCompleted, got %T", v)
		}
		if setup.CustomerRef != "cus_123" || setup.MethodRef != "pm_456" || setup.Last4 != "4242" {
			t.Fatalf("unexpected payload: %+v", setup)
		}
	})

	t.Run("unknown type falls into UnknownEvent", func(t *testing.T) {
		v := DecodeWebhookVariant("charge.disputed", map[string]interface{}{"anything": "x"})
		unknown, ok := v.(UnknownEvent)
		if !ok {
			t.Fatalf("expected UnknownEvent, got %T", v)
		}
		if unknown.Type != "charge.disputed" {
			t.Fatalf("unexpected type: %s", unknown.Type)
		}
	})
}

func TestDataIntNumericForms(t *testing.T) {
	cases := []struct {
		name string
		data map[string]interface{}
	}{
		{"float64", map[string]interface{}{"invoice_id": float64(42)}},
		{"int", map[string]interface{}{"invoice_id": 42}},
		{"int64", map[string]interface{}{"invoice_id": int64(42)}},
		{"json.Number", map[string]interface{}{"invoice_id": json.Number("42")}},
	}
	for _, tc := range cases {
		if got := dataInt(tc.data, "invoice_id"); got != 42 {
			t.Fatalf("%s: expected 42, got %d", tc.name, got)
		}
	}
	if got := dataInt(map[string]interface{}{"invoice_id": "42"}, "invoice_id"); got != 0 {
		t.Fatalf("string form must not decode, got %d", got)
	}
	if got := dataInt(map[string]interface{}{}, "invoice_id"); got != 0 {
		t.Fatalf("missing key must decode to 0, got %d", got)
	}
}

func TestWebhookEventIsRetriable(t *testing.T) {
	e := &WebhookEvent{RetryCount: WebhookRetryCeiling - 1}
	if !e.IsRetriable() {
		t.Fatal("event under the retry ceiling must be retriable")
	}
	e.RetryCount = WebhookRetryCeiling
	if e.IsRetriable() {
		t.Fatal("event at the retry ceiling must be terminal")
	}
}
