package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

const (
	// DefaultCeilingCents is the largest single charge, $9,999.99.
	DefaultCeilingCents int64 = 999999
	DefaultRetention          = 180 * 24 * time.Hour
)

type PaymentConfig struct {
	CeilingCents int64
	Currency     string
	// Retention is how long after submission a settled charge can still be
	// refunded through the gateway.
	Retention time.Duration
}

func (c PaymentConfig) withDefaults() PaymentConfig {
	if c.CeilingCents <= 0 {
		c.CeilingCents = DefaultCeilingCents
	}
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// PaymentService starts TransactionRequests against the configured gateway
// and applies the confirmations it reports.
type PaymentService struct {
	db       *gorm.DB
	gateway  gateway.PaymentGateway
	receipts *ReceiptManager
	alerts   *Alerter
	config   PaymentConfig
	now      func() time.Time
}

func NewPaymentService(db *gorm.DB, gw gateway.PaymentGateway, receipts *ReceiptManager, alerts *Alerter, cfg PaymentConfig) *PaymentService {
	return &PaymentService{
		db:       db,
		gateway:  gw,
		receipts: receipts,
		alerts:   alerts,
		config:   cfg.withDefaults(),
		now:      time.Now,
	}
}

func (s *PaymentService) Gateway() gateway.PaymentGateway { return s.gateway }

func (s *PaymentService) Receipts() *ReceiptManager { return s.receipts }

func (s *PaymentService) Config() PaymentConfig { return s.config }

// Method is the payment method recorded for transactions on this gateway.
func (s *PaymentService) Method() models.PaymentMethod {
	switch s.gateway.Name() {
	case gateway.StripeName:
		return models.MethodStripe
	case gateway.AuthorizeNetName:
		return models.MethodAuthorizeNet
	default:
		return models.MethodMock
	}
}

func (s *PaymentService) NewRequest(audit Audit, receiptID string) *TransactionRequest {
	return &TransactionRequest{
		TrackingID: newTrackingID(),
		ReceiptID:  receiptID,
		svc:        s,
		audit:      audit,
		state:      StateCreated,
	}
}

// PrepareOwnerPayment charges whatever an owner currently owes on their open
// receipt.
func (s *PaymentService) PrepareOwnerPayment(ctx context.Context, audit Audit, ref models.OwnerRef) (*gateway.Intent, *models.ReceiptTransaction, error) {
	owner, err := s.receipts.LoadOwner(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	receipt, err := s.receipts.GetOrCreateOpenReceipt(ctx, audit, owner)
	if err != nil {
		return nil, nil, err
	}
	owed := receipt.CurrentAmountOwed() - receipt.PendingTotal()
	desc := "Payment for " + ref.String()
	return s.NewRequest(audit, receipt.ID).PreparePayment(ctx, owed, desc, owner.ContactEmail())
}

// RefundAll refunds every payment on a receipt, skipping those that cannot
// be refunded. With excludeFees the gateway processing fee is kept. The
// receipt is marked refunded once nothing is left on it.
func (s *PaymentService) RefundAll(ctx context.Context, audit Audit, receiptID string, excludeFees bool) ([]models.ReceiptTransaction, error) {
	receipt, err := s.receipts.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}

	var refunds []models.ReceiptTransaction
	for i := range receipt.Transactions {
		txn := &receipt.Transactions[i]
		if !txn.IsPayment() || txn.AmountLeft() <= 0 {
			continue
		}
		amount := txn.AmountLeft()
		if excludeFees {
			amount -= txn.CalcProcessingFee(amount)
		}
		refund, err := s.NewRequest(audit, receiptID).RefundOrSkip(ctx, txn, amount)
		if err != nil {
			return refunds, err
		}
		if refund != nil {
			refunds = append(refunds, *refund)
		}
	}

	if len(refunds) > 0 {
		receipt, err = s.receipts.GetReceipt(ctx, receiptID)
		if err != nil {
			return refunds, err
		}
		if receipt.TxnTotal() <= 0 && receipt.PendingTotal() == 0 {
			if err := s.receipts.MarkRefunded(ctx, audit, receiptID); err != nil {
				return refunds, err
			}
		}
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"receipt_id": receiptID,
		"refunds":    len(refunds),
		"who":        audit.who(),
	}).Info("Receipt refunds processed")
	return refunds, nil
}

// HandleWebhook verifies and applies a webhook addressed to the named
// gateway. Events that are not payment confirmations are acknowledged and
// ignored.
func (s *PaymentService) HandleWebhook(ctx context.Context, gatewayName string, header http.Header, body []byte) error {
	wh, ok := s.gateway.(gateway.WebhookHandler)
	if !ok || s.gateway.Name() != gatewayName {
		return fmt.Errorf("%w: no %s webhook configured", gateway.ErrUnsupported, gatewayName)
	}
	if err := wh.VerifyWebhook(header, body); err != nil {
		return err
	}
	conf, err := wh.ParseConfirmation(body)
	if err != nil {
		return err
	}
	if conf == nil {
		return nil
	}
	return s.HandleConfirmation(ctx, conf)
}

func (s *PaymentService) HandleConfirmation(ctx context.Context, conf *gateway.Confirmation) error {
	_, err := s.receipts.MarkPaidFromIds(ctx, conf.IntentID, conf.ChargeID)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.alerts.Alert(ctx, models.SeverityCritical, "Confirmation not applied",
			"Charge "+conf.ChargeID+" for intent "+conf.IntentID+" could not be applied: "+err.Error(),
			"", logrus.Fields{"intent_id": conf.IntentID, "charge_id": conf.ChargeID})
	}
	return err
}
