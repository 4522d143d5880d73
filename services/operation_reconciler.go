package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
)

// OperationReconciler finishes journalled refunds. GATEWAY_OK rows get their
// ledger write replayed; STARTED rows that outlive StaleAfter have an unknown
// gateway outcome and are handed to staff.
type OperationReconciler struct {
	receipts   *ReceiptManager
	alerts     *Alerter
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

func NewOperationReconciler(receipts *ReceiptManager, alerts *Alerter, interval, staleAfter time.Duration) *OperationReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &OperationReconciler{receipts: receipts, alerts: alerts, Interval: interval, StaleAfter: staleAfter, BatchSize: 50}
}

func (r *OperationReconciler) Run(ctx context.Context) {
	utils.InfoLogger.WithField("interval", r.Interval).Info("Operation reconciler started")
	for {
		select {
		case <-ctx.Done():
			utils.InfoLogger.Info("Operation reconciler stopped")
			return
		default:
		}
		r.ReconcileOnce(ctx)
		select {
		case <-ctx.Done():
			utils.InfoLogger.Info("Operation reconciler stopped")
			return
		case <-time.After(r.Interval):
		}
	}
}

// ReconcileOnce returns how many operations were completed and how many
// were flagged for review.
func (r *OperationReconciler) ReconcileOnce(ctx context.Context) (completed, flagged int) {
	ops, err := r.receipts.operationsIn(ctx, models.OperationGatewayOK, r.BatchSize)
	if err != nil {
		utils.LogError("operation_reconciler", "ReconcileOnce", err, nil)
		return 0, 0
	}
	for i := range ops {
		op := &ops[i]
		if _, err := r.receipts.CompleteRefund(ctx, op); err != nil {
			utils.LogError("operation_reconciler", "ReconcileOnce", err, logrus.Fields{
				"tracking_id": op.TrackingID,
				"receipt_id":  op.ReceiptID,
			})
			r.receipts.db.WithContext(ctx).Model(op).Updates(map[string]interface{}{
				"attempts":   op.Attempts + 1,
				"last_error": err.Error(),
			})
			continue
		}
		completed++
	}

	stale, err := r.receipts.operationsIn(ctx, models.OperationStarted, r.BatchSize)
	if err != nil {
		utils.LogError("operation_reconciler", "ReconcileOnce", err, nil)
		return completed, 0
	}
	cutoff := r.receipts.now().Add(-r.StaleAfter)
	for i := range stale {
		op := &stale[i]
		if op.UpdatedAt.After(cutoff) {
			continue
		}
		res := r.receipts.db.WithContext(ctx).Model(&models.GatewayOperation{}).
			Where("id = ? AND status = ?", op.ID, models.OperationStarted).
			Update("status", models.OperationNeedsReview)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}
		flagged++
		r.alerts.Alert(ctx, models.SeverityCritical, "Refund outcome unknown",
			fmt.Sprintf("%s %s of %s on transaction %s never reported back from the gateway. Check the gateway dashboard before retrying.",
				op.Kind, op.TrackingID, utils.FormatUSD(op.AmountCents), op.TransactionID),
			op.ReceiptID, logrus.Fields{"tracking_id": op.TrackingID})
	}

	if completed > 0 || flagged > 0 {
		utils.InfoLogger.WithFields(logrus.Fields{"completed": completed, "flagged": flagged}).Info("Gateway operations reconciled")
	}
	return completed, flagged
}
