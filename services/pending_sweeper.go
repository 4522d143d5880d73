package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/utils"
)

// PendingSweeper cancels gateway payments that were started but never
// confirmed, so they stop counting as pending and the receipt can close.
type PendingSweeper struct {
	receipts *ReceiptManager
	Timeout  time.Duration
	Interval time.Duration
}

func NewPendingSweeper(receipts *ReceiptManager, timeout, interval time.Duration) *PendingSweeper {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PendingSweeper{receipts: receipts, Timeout: timeout, Interval: interval}
}

func (s *PendingSweeper) Run(ctx context.Context) {
	utils.InfoLogger.WithFields(logrus.Fields{"timeout": s.Timeout, "interval": s.Interval}).Info("Pending sweeper started")
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			utils.InfoLogger.Info("Pending sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *PendingSweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.receipts.CancelStalePending(ctx, s.Timeout)
	if err != nil {
		utils.LogError("pending_sweeper", "SweepOnce", err, nil)
	}
	return n
}
