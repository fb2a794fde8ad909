package utils

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"gorm.io/gorm"
)

/* DB fetching */

// notFoundOr translates only a missing row into ErrorRecordNotFound. Other
// storage errors pass through so they surface as failures, not 404s.
func notFoundOr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrorRecordNotFound
	}
	return err
}

// fetch model from db
// (may return RecordNotFound)
func FetchModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &result, nil
}

// fetch all models from db
func FetchAllModels[T any](ctx context.Context, associations ...string) ([]*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var results []*T
	err := dbCtx.Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// fetch models matching a condition
func FetchModelsWhere[T any](ctx context.Context, condition string, values ...interface{}) ([]*T, error) {

	db := config.GetDB()
	var results []*T
	err := db.WithContext(ctx).Where(condition, values...).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
