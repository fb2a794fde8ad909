package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/billing_backend/config"
	"bitbucket.org/mmdatafocus/billing_backend/models"
	"bitbucket.org/mmdatafocus/billing_backend/utils"
	"github.com/sirupsen/logrus"
)

// OverdueSweeper periodically bulk-transitions sent invoices past their due
// date to overdue. The sweep is idempotent and safe to run concurrently with
// live payment recording.
type OverdueSweeper struct {
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewOverdueSweeper(logger *logrus.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		Logger:   logger,
		Interval: time.Hour,
	}
}

func (s *OverdueSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *OverdueSweeper) sweepOnce(ctx context.Context) {
	sweepCtx := utils.SetSystemActorInContext(ctx)
	count, err := models.MarkOverdueInvoices(sweepCtx)
	if err != nil {
		config.LogError(s.Logger, "workflow", "sweepOnce", "overdue sweep failed", nil, err)
		return
	}
	if count > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field": "OverdueSweeper",
			"count": count,
		}).Info("invoices marked overdue")
	}
}
