package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"github.com/bsm/redislock"
)

// InvoiceLock obtains a short redis lock keyed by invoice id. The database
// row lock is the authority; this only reduces contention between workers
// racing on the same invoice. Release via the returned function.
func InvoiceLock(ctx context.Context, invoiceId int, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Redis is optional for correctness, skip when not initialized.
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("InvoiceLock:%d", invoiceId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for invoice", invoiceId, err)
		return nil, errors.New("could not obtain lock for invoice")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for invoice", invoiceId, err)
		return nil, err
	}
	return func() { _ = lock.Release(ctx) }, nil
}
