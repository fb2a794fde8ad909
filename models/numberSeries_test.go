package models

import "testing"

func TestFormatDocumentNumber(t *testing.T) {
	cases := []struct {
		prefix   string
		year     int
		sequence int
		expected string
	}{
		{"ORD", 2026, 1, "ORD-2026-0001"},
		{"INV", 2026, 42, "INV-2026-0042"},
		{"RCP", 2025, 999, "RCP-2025-0999"},
		{"TXN", 2026, 10000, "TXN-2026-10000"},
	}
	for _, tc := range cases {
		got := FormatDocumentNumber(tc.prefix, tc.year, tc.sequence)
		if got != tc.expected {
			t.Fatalf("FormatDocumentNumber(%s, %d, %d) expected %s, got %s",
				tc.prefix, tc.year, tc.sequence, tc.expected, got)
		}
	}
}
