package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// A gateway refund moves through the journal in three commits:
//
//	ReserveRefund  STARTED     refunded_cents raised before the gateway call
//	MarkGatewayOK  GATEWAY_OK  gateway accepted, refund row not written yet
//	CompleteRefund SUCCEEDED   refund row written
//
// ReleaseRefund undoes a reservation the gateway refused.

func (m *ReceiptManager) ReserveRefund(ctx context.Context, op *models.GatewayOperation) error {
	ref, err := m.receiptOwner(ctx, op.ReceiptID)
	if err != nil {
		return err
	}
	return m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		var payment models.ReceiptTransaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", op.TransactionID).First(&payment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTransactionNotFound
			}
			return fmt.Errorf("failed to lock transaction: %w", err)
		}
		if payment.AmountLeft() <= 0 {
			return paymentErr(ErrAlreadyRefunded, "This payment has already been fully refunded.")
		}
		if err := updateTransactionRefund(tx, payment.ID, op.AmountCents); err != nil {
			return err
		}
		if err := tx.Create(op).Error; err != nil {
			return fmt.Errorf("failed to journal gateway operation: %w", err)
		}
		return nil
	})
}

// ReleaseRefund gives the reserved amount back after the gateway refused it.
func (m *ReceiptManager) ReleaseRefund(ctx context.Context, op *models.GatewayOperation, cause error) error {
	ref, err := m.receiptOwner(ctx, op.ReceiptID)
	if err != nil {
		return err
	}
	return m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		res := tx.Model(&models.GatewayOperation{}).
			Where("id = ? AND status = ?", op.ID, models.OperationStarted).
			Updates(map[string]interface{}{"status": models.OperationFailed, "last_error": cause.Error()})
		if res.Error != nil {
			return fmt.Errorf("failed to fail gateway operation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		op.Status = models.OperationFailed
		op.LastError = cause.Error()

		res = tx.Model(&models.ReceiptTransaction{}).
			Where("id = ? AND refunded_cents >= ?", op.TransactionID, op.AmountCents).
			Update("refunded_cents", gorm.Expr("refunded_cents - ?", op.AmountCents))
		if res.Error != nil {
			return fmt.Errorf("failed to release refunded amount: %w", res.Error)
		}
		return nil
	})
}

func (m *ReceiptManager) MarkGatewayOK(ctx context.Context, op *models.GatewayOperation, gatewayRef string) error {
	res := m.db.WithContext(ctx).Model(&models.GatewayOperation{}).
		Where("id = ? AND status IN ?", op.ID, []models.OperationStatus{models.OperationStarted, models.OperationNeedsReview}).
		Updates(map[string]interface{}{"status": models.OperationGatewayOK, "gateway_ref": gatewayRef})
	if res.Error != nil {
		return fmt.Errorf("failed to mark gateway operation ok: %w", res.Error)
	}
	op.Status = models.OperationGatewayOK
	op.GatewayRef = gatewayRef
	return nil
}

// CompleteRefund writes the refund row for a GATEWAY_OK operation. Replays
// return the row written the first time.
func (m *ReceiptManager) CompleteRefund(ctx context.Context, op *models.GatewayOperation) (*models.ReceiptTransaction, error) {
	ref, err := m.receiptOwner(ctx, op.ReceiptID)
	if err != nil {
		return nil, err
	}
	payment, err := m.GetTransaction(ctx, op.TransactionID)
	if err != nil {
		return nil, err
	}

	var refund *models.ReceiptTransaction
	err = m.withOwnerLock(ctx, ref, func(tx *gorm.DB, out *pending) error {
		var created bool
		refund, created, err = m.createRefund(tx, Audit{Who: op.Who}, op.ReceiptID, op.Description, op.GatewayRef, op.AmountCents, payment.Method, out)
		if err != nil {
			return err
		}
		res := tx.Model(&models.GatewayOperation{}).
			Where("id = ? AND status = ?", op.ID, models.OperationGatewayOK).
			Update("status", models.OperationSucceeded)
		if res.Error != nil {
			return fmt.Errorf("failed to complete gateway operation: %w", res.Error)
		}
		if created {
			out.add(events.EventRefundCreated, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	op.Status = models.OperationSucceeded

	utils.InfoLogger.WithFields(logrus.Fields{
		"receipt_id":     op.ReceiptID,
		"transaction_id": op.TransactionID,
		"tracking_id":    op.TrackingID,
		"refund_id":      op.GatewayRef,
		"amount":         op.AmountCents,
	}).Info("Gateway refund recorded")
	return refund, nil
}

// operationsIn lists journal rows in a status, oldest first.
func (m *ReceiptManager) operationsIn(ctx context.Context, status models.OperationStatus, limit int) ([]models.GatewayOperation, error) {
	var ops []models.GatewayOperation
	err := m.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list gateway operations: %w", err)
	}
	return ops, nil
}
