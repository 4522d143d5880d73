package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
)

type PollerMetrics struct {
	Polls     int64 `json:"polls"`
	Checked   int64 `json:"checked"`
	Confirmed int64 `json:"confirmed"`
	Failures  int64 `json:"failures"`
}

// ConfirmationPoller asks the gateway about recent pending intents and
// applies any confirmation whose webhook never arrived.
type ConfirmationPoller struct {
	payments  *PaymentService
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int

	metrics PollerMetrics
	mutex   sync.Mutex
}

func NewConfirmationPoller(payments *PaymentService, interval, maxAge time.Duration) *ConfirmationPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &ConfirmationPoller{payments: payments, Interval: interval, MaxAge: maxAge, BatchSize: 100}
}

func (p *ConfirmationPoller) Run(ctx context.Context) {
	utils.InfoLogger.WithFields(logrus.Fields{"interval": p.Interval, "max_age": p.MaxAge}).Info("Confirmation poller started")
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			utils.InfoLogger.Info("Confirmation poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce checks each pending intent once and returns how many confirmed.
func (p *ConfirmationPoller) PollOnce(ctx context.Context) int {
	since := p.payments.now().Add(-p.MaxAge)
	var intents []string
	err := p.payments.db.WithContext(ctx).Model(&models.ReceiptTransaction{}).
		Where("charge_id = '' AND intent_id <> '' AND cancelled_at IS NULL AND amount_cents > 0 AND created_at >= ?", since).
		Distinct("intent_id").
		Limit(p.BatchSize).
		Pluck("intent_id", &intents).Error
	if err != nil {
		utils.LogError("confirmation_poller", "PollOnce", err, nil)
		p.record(0, 0, 1)
		return 0
	}

	var confirmed, failures int
	for _, intentID := range intents {
		if ctx.Err() != nil {
			break
		}
		conf, err := p.payments.gateway.IntentStatus(ctx, intentID)
		if errors.Is(err, gateway.ErrUnsupported) {
			// token gateways confirm synchronously in ChargeToken
			break
		}
		if err != nil {
			failures++
			utils.LogWarn("confirmation_poller", "PollOnce", "intent status lookup failed", logrus.Fields{
				"intent_id": intentID,
				"error":     err.Error(),
			})
			continue
		}
		if conf == nil {
			continue
		}
		if err := p.payments.HandleConfirmation(ctx, conf); err != nil {
			failures++
			continue
		}
		confirmed++
	}

	p.record(len(intents), confirmed, failures)
	if confirmed > 0 {
		utils.InfoLogger.WithFields(logrus.Fields{"checked": len(intents), "confirmed": confirmed}).Info("Missed confirmations applied")
	}
	return confirmed
}

func (p *ConfirmationPoller) record(checked, confirmed, failures int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.metrics.Polls++
	p.metrics.Checked += int64(checked)
	p.metrics.Confirmed += int64(confirmed)
	p.metrics.Failures += int64(failures)
}

func (p *ConfirmationPoller) Metrics() PollerMetrics {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.metrics
}
