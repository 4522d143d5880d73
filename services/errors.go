package services

import (
	"errors"
	"fmt"
)

// Payment error kinds. A *PaymentError wraps one of these.
var (
	ErrAmountInvalid             = errors.New("amount invalid")
	ErrAmountExceedsLimit        = errors.New("amount exceeds limit")
	ErrGatewayUnavailable        = errors.New("gateway unavailable")
	ErrCustomerLookupFailed      = errors.New("customer lookup failed")
	ErrAlreadyRefunded           = errors.New("already refunded")
	ErrTransactionTooOld         = errors.New("transaction too old")
	ErrPartialRefundNotSupported = errors.New("partial refund not supported")
	ErrNotRefundable             = errors.New("not refundable")
	ErrLedgerOutOfSync           = errors.New("ledger out of sync")
)

// Ledger errors.
var (
	ErrReceiptExists       = errors.New("an open receipt already exists for this owner")
	ErrReceiptNotFound     = errors.New("receipt not found")
	ErrReceiptClosed       = errors.New("receipt is closed")
	ErrOwnerNotFound       = errors.New("owner not found")
	ErrItemNotFound        = errors.New("receipt item not found")
	ErrItemComped          = errors.New("receipt item is already comped")
	ErrStaleOwner          = errors.New("owner was changed concurrently, reload and retry")
	ErrNothingToRevert     = errors.New("receipt item has nothing to revert")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidMethod       = errors.New("invalid payment method")
	ErrInvalidTransition   = errors.New("invalid transaction request state transition")
	ErrInvalidItem         = errors.New("invalid receipt item")
)

// PaymentError carries a message safe to show to the payer or admin.
type PaymentError struct {
	Kind    error
	Message string
}

func (e *PaymentError) Error() string { return e.Message }

func (e *PaymentError) Unwrap() error { return e.Kind }

func paymentErr(kind error, format string, args ...any) *PaymentError {
	return &PaymentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// UserMessage returns the user-facing text for err, hiding anything that is
// not a PaymentError behind a generic message.
func UserMessage(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return genericGatewayMessage
}

const genericGatewayMessage = "An unexpected error occurred while processing your payment. Please try again later."
