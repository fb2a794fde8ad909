package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// DocumentNumberSeries is the dedicated per-(doc_type, year) counter backing
// sequential document numbers. A single atomic read-modify-write replaces the
// race-prone count-rows-per-year approach; the unique constraint resolves
// first-use insert races.
type DocumentNumberSeries struct {
	ID           int          `gorm:"primary_key" json:"id"`
	DocType      DocumentType `gorm:"size:20;not null;index:uniq_doc_series,unique" json:"doc_type"`
	Year         int          `gorm:"not null;index:uniq_doc_series,unique" json:"year"`
	LastSequence int          `gorm:"not null;default:0" json:"last_sequence"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// FormatDocumentNumber renders {PREFIX}-{YEAR}-{%04d}.
func FormatDocumentNumber(prefix string, year int, sequence int) string {
	return fmt.Sprintf("%s-%d-%04d", prefix, year, sequence)
}

// NextDocumentNumber increments the counter row for (docType, current year)
// inside the caller's transaction and returns the formatted number. The
// counter UPDATE takes a row lock, so two concurrent callers serialize here
// and never observe the same sequence.
func NextDocumentNumber(tx *gorm.DB, docType DocumentType, prefix string) (string, error) {
	year := time.Now().UTC().Year()

	for attempt := 0; attempt < 3; attempt++ {
		res := tx.Model(&DocumentNumberSeries{}).
			Where("doc_type = ? AND year = ?", docType, year).
			Update("last_sequence", gorm.Expr("last_sequence + 1"))
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected > 0 {
			var seq int
			if err := tx.Model(&DocumentNumberSeries{}).
				Where("doc_type = ? AND year = ?", docType, year).
				Select("last_sequence").Scan(&seq).Error; err != nil {
				return "", err
			}
			return FormatDocumentNumber(prefix, year, seq), nil
		}

		// First number of the year. A concurrent first-use insert loses to
		// the unique constraint and retries through the UPDATE path.
		err := tx.Create(&DocumentNumberSeries{
			DocType:      docType,
			Year:         year,
			LastSequence: 1,
		}).Error
		if err == nil {
			return FormatDocumentNumber(prefix, year, 1), nil
		}
		if !IsDuplicateKeyErr(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("could not allocate %s number for %d", docType, year)
}
