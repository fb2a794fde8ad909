package models

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"
)

// A missing invoice row is a soft outcome for webhook handlers; every other
// storage error must keep its identity so the delivery is retried instead of
// acknowledged.
func TestInvoiceLookupErr(t *testing.T) {
	if err := invoiceLookupErr(gorm.ErrRecordNotFound); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("record-not-found expected ErrInvoiceNotFound, got %v", err)
	}
	wrapped := fmt.Errorf("fetch invoice: %w", gorm.ErrRecordNotFound)
	if err := invoiceLookupErr(wrapped); !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("wrapped record-not-found expected ErrInvoiceNotFound, got %v", err)
	}

	connRefused := errors.New("dial tcp 127.0.0.1:3306: connect: connection refused")
	err := invoiceLookupErr(connRefused)
	if !errors.Is(err, connRefused) {
		t.Fatalf("storage error must pass through unchanged, got %v", err)
	}
	if errors.Is(err, ErrInvoiceNotFound) {
		t.Fatal("storage error must not be reported as a missing invoice")
	}
}
