package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PaymentMethod string

const (
	MethodStripe       PaymentMethod = "stripe"
	MethodAuthorizeNet PaymentMethod = "authorizenet"
	MethodCash         PaymentMethod = "cash"
	MethodManual       PaymentMethod = "manual"
	MethodCheck        PaymentMethod = "check"
	// MethodMock is the in-memory development gateway.
	MethodMock PaymentMethod = "mock"
)

// IsGateway reports whether money moves through an external payment gateway,
// in which case the transaction waits for a confirmation before settling.
func (m PaymentMethod) IsGateway() bool {
	return m == MethodStripe || m == MethodAuthorizeNet || m == MethodMock
}

func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch m := PaymentMethod(s); m {
	case MethodStripe, MethodAuthorizeNet, MethodCash, MethodManual, MethodCheck, MethodMock:
		return m, true
	}
	return "", false
}

// ReceiptTransaction is one payment (positive) or refund (negative) attempt.
type ReceiptTransaction struct {
	ID                 string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	ReceiptID          string        `gorm:"type:varchar(36);not null;index" json:"receipt_id"`
	IntentID           string        `gorm:"type:varchar(255);not null;index" json:"intent_id"`
	ChargeID           string        `gorm:"type:varchar(255);not null;index" json:"charge_id"`
	RefundID           string        `gorm:"type:varchar(255);not null;index" json:"refund_id"`
	Method             PaymentMethod `gorm:"type:varchar(32);not null" json:"method"`
	AmountCents        int64         `gorm:"not null" json:"amount_cents"`
	RefundedCents      int64         `gorm:"not null" json:"refunded_cents"`
	ProcessingFeeCents int64         `gorm:"not null" json:"processing_fee_cents"`
	Description        string        `gorm:"type:varchar(255)" json:"description"`
	Who                string        `gorm:"type:varchar(255)" json:"who"`
	CancelledAt        *time.Time    `json:"cancelled_at"`
	Items              []ReceiptItem `gorm:"many2many:receipt_transaction_items;" json:"items,omitempty"`
	CreatedAt          time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"not null" json:"updated_at"`
}

func (t *ReceiptTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *ReceiptTransaction) IsPayment() bool {
	return t.AmountCents > 0
}

// IsConfirmed reports whether money has moved: a gateway payment needs a
// charge id, anything else settles when it is recorded.
func (t *ReceiptTransaction) IsConfirmed() bool {
	if !t.Method.IsGateway() {
		return true
	}
	return t.ChargeID != "" || t.RefundID != ""
}

func (t *ReceiptTransaction) IsPending() bool {
	return t.IsPayment() && !t.IsConfirmed() && t.CancelledAt == nil
}

// AmountLeft is what can still be refunded.
func (t *ReceiptTransaction) AmountLeft() int64 {
	return t.AmountCents - t.RefundedCents
}

// CalcProcessingFee prorates the recorded fee over a partial amount.
func (t *ReceiptTransaction) CalcProcessingFee(amount int64) int64 {
	if t.AmountCents <= 0 || t.ProcessingFeeCents == 0 {
		return 0
	}
	if amount >= t.AmountCents {
		return t.ProcessingFeeCents
	}
	return t.ProcessingFeeCents * amount / t.AmountCents
}
