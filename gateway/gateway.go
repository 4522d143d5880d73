// Package gateway talks to external payment processors. Both supported
// processors sit behind PaymentGateway, picked once at startup.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// SettlementState is the refund-relevant state of a charge.
type SettlementState string

const (
	// StateSettled charges can be refunded, partially or fully.
	StateSettled SettlementState = "settled"
	// StatePendingSettlement charges can only be voided in full.
	StatePendingSettlement SettlementState = "pending_settlement"
	// StatePending charges have not been captured yet.
	StatePending SettlementState = "pending"
	// StateInvalid charges (declined, voided, failed) cannot be reversed.
	StateInvalid SettlementState = "invalid"
)

var (
	ErrDeclined    = errors.New("gateway: card declined")
	ErrNotFound    = errors.New("gateway: not found")
	ErrUnsupported = errors.New("gateway: operation not supported")
	ErrSignature   = errors.New("gateway: invalid webhook signature")
)

// APIError is a non-success answer from a gateway.
type APIError struct {
	Gateway    string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d, code %s): %s", e.Gateway, e.StatusCode, e.Code, e.Message)
}

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	Description    string
	Email          string
	CustomerID     string
	IdempotencyKey string
}

// Intent is a handle for an authorized but unconfirmed charge.
type Intent struct {
	ID          string `json:"intent_id"`
	ClientToken string `json:"client_token,omitempty"`
	CustomerID  string `json:"customer_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

// ChargeRef identifies a confirmed charge. Intent-based gateways refund by
// intent, profile-based gateways by charge.
type ChargeRef struct {
	IntentID string
	ChargeID string
}

type Charge struct {
	ID              string
	State           SettlementState
	AuthorizedCents int64
	SettledCents    int64
	RefundedCents   int64
	SubmittedAt     time.Time
}

type RefundResult struct {
	ID string
}

// Confirmation is delivered when money has actually moved.
type Confirmation struct {
	IntentID       string
	ChargeID       string
	AmountCaptured int64
}

type PaymentGateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	GetOrCreateCustomer(ctx context.Context, email string) (string, error)
	GetCharge(ctx context.Context, ref ChargeRef) (*Charge, error)
	Refund(ctx context.Context, ref ChargeRef, amountCents int64, idempotencyKey string) (*RefundResult, error)
	Void(ctx context.Context, ref ChargeRef, idempotencyKey string) error
	// IntentStatus returns a confirmation once the intent has been paid, or nil.
	IntentStatus(ctx context.Context, intentID string) (*Confirmation, error)
	// ProcessingFee is what the gateway keeps from a charge; 0 when it keeps nothing.
	ProcessingFee(amountCents int64) int64
}

// TokenCharge charges a card tokenized in the browser against a prepared intent.
type TokenCharge struct {
	IntentID       string
	AmountCents    int64
	Description    string
	Email          string
	DataDescriptor string
	DataValue      string
}

// TokenCharger is implemented by gateways whose intents are local and whose
// charge happens when the browser submits a card token.
type TokenCharger interface {
	ChargeToken(ctx context.Context, charge TokenCharge) (*Confirmation, error)
}

// WebhookHandler verifies and decodes gateway callbacks.
type WebhookHandler interface {
	VerifyWebhook(header http.Header, body []byte) error
	// ParseConfirmation returns nil for events that do not confirm a payment.
	ParseConfirmation(body []byte) (*Confirmation, error)
}
