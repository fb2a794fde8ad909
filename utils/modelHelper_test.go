package utils

import (
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"
)

func TestNotFoundOr(t *testing.T) {
	if err := notFoundOr(gorm.ErrRecordNotFound); !errors.Is(err, ErrorRecordNotFound) {
		t.Fatalf("record-not-found expected ErrorRecordNotFound, got %v", err)
	}
	if err := notFoundOr(fmt.Errorf("first: %w", gorm.ErrRecordNotFound)); !errors.Is(err, ErrorRecordNotFound) {
		t.Fatalf("wrapped record-not-found expected ErrorRecordNotFound, got %v", err)
	}

	// A storage failure must not turn into a 404.
	connLost := errors.New("invalid connection")
	err := notFoundOr(connLost)
	if !errors.Is(err, connLost) || errors.Is(err, ErrorRecordNotFound) {
		t.Fatalf("storage error must pass through unchanged, got %v", err)
	}
}
