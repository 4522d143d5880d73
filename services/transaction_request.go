package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/utils"
)

const moduleRequests = "transaction_request"

type RequestState string

const (
	StateCreated         RequestState = "CREATED"
	StateIntentRequested RequestState = "INTENT_REQUESTED"
	StateIntentFailed    RequestState = "INTENT_FAILED"
	StateIntentReady     RequestState = "INTENT_READY"
	StateSettled         RequestState = "SETTLED"
	StateRefundRequested RequestState = "REFUND_REQUESTED"
	StateRefundFailed    RequestState = "REFUND_FAILED"
	StateRefundSettled   RequestState = "REFUND_SETTLED"
)

var transitions = map[RequestState][]RequestState{
	// a request may resume an intent prepared by an earlier one
	StateCreated:         {StateIntentRequested, StateIntentReady, StateRefundRequested},
	StateIntentRequested: {StateIntentFailed, StateIntentReady},
	StateIntentReady:     {StateSettled, StateIntentFailed},
	StateRefundRequested: {StateRefundFailed, StateRefundSettled},
}

// TransactionRequest runs one gateway operation end to end. It is the only
// caller of the payment gateway; the ledger side goes through ReceiptManager.
type TransactionRequest struct {
	TrackingID string
	ReceiptID  string

	svc   *PaymentService
	audit Audit
	state RequestState
}

func (r *TransactionRequest) State() RequestState { return r.state }

func (r *TransactionRequest) transition(next RequestState) error {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, next)
}

func (r *TransactionRequest) fields() logrus.Fields {
	return logrus.Fields{
		"tracking_id": r.TrackingID,
		"receipt_id":  r.ReceiptID,
		"gateway":     r.svc.gateway.Name(),
	}
}

// gatewayFailure logs and alerts on a gateway error and hides it behind a
// generic message.
func (r *TransactionRequest) gatewayFailure(ctx context.Context, action string, err error, extra logrus.Fields) *PaymentError {
	fields := r.fields()
	for k, v := range extra {
		fields[k] = v
	}
	fields["error"] = err.Error()
	r.svc.alerts.Alert(ctx, models.SeverityCritical,
		"Gateway error during "+action,
		fmt.Sprintf("Transaction %s: %s failed: %v", r.TrackingID, action, err),
		r.ReceiptID, fields)
	return paymentErr(ErrGatewayUnavailable, genericGatewayMessage)
}

func (r *TransactionRequest) validateAmount(amount int64) error {
	if amount <= 0 {
		utils.LogWarn(moduleRequests, "CreateIntent", "intent requested for an invalid amount", r.fields())
		return paymentErr(ErrAmountInvalid, "There was an error calculating the amount. Please refresh the page or contact the system admin.")
	}
	if ceiling := r.svc.config.CeilingCents; amount > ceiling {
		return paymentErr(ErrAmountExceedsLimit, "We cannot charge %s. Please make sure your total is below %s.",
			utils.FormatUSD(amount), utils.FormatUSD(ceiling))
	}
	return nil
}

// CreateIntent asks the gateway for an intent. Amount and email are checked
// before any network call.
func (r *TransactionRequest) CreateIntent(ctx context.Context, amount int64, desc, email string) (*gateway.Intent, error) {
	if err := r.transition(StateIntentRequested); err != nil {
		return nil, err
	}
	intent, err := r.createIntent(ctx, amount, desc, email)
	if err != nil {
		r.state = StateIntentFailed
		return nil, err
	}
	r.state = StateIntentReady
	return intent, nil
}

func (r *TransactionRequest) createIntent(ctx context.Context, amount int64, desc, email string) (*gateway.Intent, error) {
	if err := r.validateAmount(amount); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, paymentErr(ErrCustomerLookupFailed, "An email address is required to pay online.")
	}

	customerID, err := r.svc.gateway.GetOrCreateCustomer(ctx, email)
	if err != nil {
		utils.LogError(moduleRequests, "CreateIntent", err, r.fields())
		return nil, paymentErr(ErrCustomerLookupFailed, "We could not look up your payment profile. Please try again later.")
	}

	intent, err := r.svc.gateway.CreateIntent(ctx, gateway.IntentRequest{
		AmountCents:    amount,
		Currency:       r.svc.config.Currency,
		Description:    desc,
		Email:          email,
		CustomerID:     customerID,
		IdempotencyKey: r.TrackingID,
	})
	if err != nil {
		return nil, r.gatewayFailure(ctx, "intent creation", err, logrus.Fields{"amount": amount})
	}

	utils.InfoLogger.WithFields(r.fields()).WithFields(logrus.Fields{
		"intent_id": intent.ID,
		"amount":    amount,
	}).Info("Payment intent created")
	return intent, nil
}

// PreparePayment creates an intent and the pending transaction that waits on it.
func (r *TransactionRequest) PreparePayment(ctx context.Context, amount int64, desc, email string) (*gateway.Intent, *models.ReceiptTransaction, error) {
	intent, err := r.CreateIntent(ctx, amount, desc, email)
	if err != nil {
		return nil, nil, err
	}
	txn, err := r.svc.receipts.CreatePaymentTransaction(ctx, r.audit, r.ReceiptID, desc, intent, amount, r.svc.Method())
	if err != nil {
		r.state = StateIntentFailed
		return nil, nil, err
	}
	return intent, txn, nil
}

// ChargeToken charges a browser-tokenized card against a prepared intent and
// settles it. Only token-based gateways support it.
func (r *TransactionRequest) ChargeToken(ctx context.Context, txn *models.ReceiptTransaction, descriptor, value string) ([]models.ReceiptTransaction, error) {
	charger, ok := r.svc.gateway.(gateway.TokenCharger)
	if !ok {
		return nil, fmt.Errorf("%w: %s charges through intents", gateway.ErrUnsupported, r.svc.gateway.Name())
	}
	if r.state == StateCreated {
		if err := r.transition(StateIntentReady); err != nil {
			return nil, err
		}
	}
	if r.state != StateIntentReady {
		return nil, fmt.Errorf("%w: cannot charge from %s", ErrInvalidTransition, r.state)
	}
	if !txn.IsPending() {
		r.state = StateIntentFailed
		return nil, fmt.Errorf("%w: transaction %s is not pending", ErrInvalidTransition, txn.ID)
	}

	email := ""
	if ref, err := r.svc.receipts.receiptOwner(ctx, txn.ReceiptID); err == nil {
		if owner, err := r.svc.receipts.LoadOwner(ctx, ref); err == nil {
			email = owner.ContactEmail()
		}
	}
	conf, err := charger.ChargeToken(ctx, gateway.TokenCharge{
		IntentID:       txn.IntentID,
		AmountCents:    txn.AmountCents,
		Description:    txn.Description,
		Email:          email,
		DataDescriptor: descriptor,
		DataValue:      value,
	})
	if errors.Is(err, gateway.ErrDeclined) {
		r.state = StateIntentFailed
		return nil, paymentErr(ErrGatewayUnavailable, "Your card was declined. Please check your details or try another card.")
	} else if err != nil {
		r.state = StateIntentFailed
		return nil, r.gatewayFailure(ctx, "card charge", err, logrus.Fields{"intent_id": txn.IntentID})
	}

	settled, err := r.svc.receipts.MarkPaidFromIds(ctx, conf.IntentID, conf.ChargeID)
	if err != nil {
		// the card was charged; the webhook for this charge will settle it
		r.svc.alerts.Alert(ctx, models.SeverityCritical, "Charge not recorded",
			fmt.Sprintf("Charge %s for intent %s succeeded but could not be recorded: %v", conf.ChargeID, conf.IntentID, err),
			r.ReceiptID, r.fields())
		return nil, paymentErr(ErrLedgerOutOfSync, "Your payment went through but we could not record it yet. Staff have been notified.")
	}
	r.state = StateSettled
	return settled, nil
}

// RefundOrCancel refunds amount from a payment; 0 refunds whatever is left.
// Any failure is returned so the caller can abort.
func (r *TransactionRequest) RefundOrCancel(ctx context.Context, txn *models.ReceiptTransaction, amount int64) (*models.ReceiptTransaction, error) {
	if err := r.transition(StateRefundRequested); err != nil {
		return nil, err
	}
	refund, err := r.refund(ctx, txn, amount)
	if err != nil {
		r.state = StateRefundFailed
		return nil, err
	}
	r.state = StateRefundSettled
	return refund, nil
}

// RefundOrSkip is RefundOrCancel for bulk refunds: a payment that fails
// validation is skipped and (nil, nil) returned. Gateway failures are still
// returned.
func (r *TransactionRequest) RefundOrSkip(ctx context.Context, txn *models.ReceiptTransaction, amount int64) (*models.ReceiptTransaction, error) {
	refund, err := r.RefundOrCancel(ctx, txn, amount)
	if isRefundValidation(err) {
		utils.InfoLogger.WithFields(r.fields()).WithFields(logrus.Fields{
			"transaction_id": txn.ID,
			"reason":         err.Error(),
		}).Info("Refund skipped")
		return nil, nil
	}
	return refund, err
}

func isRefundValidation(err error) bool {
	return errors.Is(err, ErrNotRefundable) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrAmountExceedsLimit) ||
		errors.Is(err, ErrAmountInvalid)
}

func (r *TransactionRequest) validateRefund(ctx context.Context, txn *models.ReceiptTransaction, amount int64) (*models.ReceiptTransaction, int64, error) {
	fresh, err := r.svc.receipts.GetTransaction(ctx, txn.ID)
	if err != nil {
		return nil, 0, err
	}
	if !fresh.IsPayment() || fresh.CancelledAt != nil && fresh.ChargeID == "" {
		return nil, 0, paymentErr(ErrNotRefundable, "Only completed payments can be refunded.")
	}
	if amount, err = checkRefundAmount(fresh, amount); err != nil {
		return nil, 0, err
	}
	if !fresh.IsConfirmed() {
		// a missed confirmation would leave a paid intent looking pending
		conf, err := r.svc.gateway.IntentStatus(ctx, fresh.IntentID)
		if err != nil || conf == nil {
			return nil, 0, paymentErr(ErrNotRefundable, "We could not find record of this payment being completed.")
		}
		if _, err := r.svc.receipts.MarkPaidFromIds(ctx, conf.IntentID, conf.ChargeID); err != nil {
			return nil, 0, err
		}
		if fresh, err = r.svc.receipts.GetTransaction(ctx, txn.ID); err != nil {
			return nil, 0, err
		}
		if amount, err = checkRefundAmount(fresh, amount); err != nil {
			return nil, 0, err
		}
	}
	return fresh, amount, nil
}

// checkRefundAmount bounds amount by what is left on the payment; 0 means
// all of it.
func checkRefundAmount(payment *models.ReceiptTransaction, amount int64) (int64, error) {
	left := payment.AmountLeft()
	if left <= 0 {
		return 0, paymentErr(ErrAlreadyRefunded, "This payment has already been fully refunded.")
	}
	if amount == 0 {
		amount = left
	}
	if amount < 0 {
		return 0, paymentErr(ErrAmountInvalid, "Refund amount must be greater than zero.")
	}
	if amount > left {
		return 0, paymentErr(ErrAmountExceedsLimit, "There is not enough left on this transaction to refund %s.", utils.FormatUSD(amount))
	}
	return amount, nil
}

func (r *TransactionRequest) refund(ctx context.Context, txn *models.ReceiptTransaction, amount int64) (*models.ReceiptTransaction, error) {
	payment, amount, err := r.validateRefund(ctx, txn, amount)
	if err != nil {
		return nil, err
	}
	desc := "Automatic refund of transaction " + payment.ID
	if !payment.Method.IsGateway() {
		return r.svc.receipts.RecordRefund(ctx, r.audit, payment.ID, "Refund of "+string(payment.Method)+" payment "+payment.ID, "", amount)
	}

	ref := gateway.ChargeRef{IntentID: payment.IntentID, ChargeID: payment.ChargeID}
	charge, err := r.svc.gateway.GetCharge(ctx, ref)
	if err != nil {
		return nil, r.gatewayFailure(ctx, "charge lookup", err, logrus.Fields{"transaction_id": payment.ID})
	}

	kind := models.OperationRefund
	switch charge.State {
	case gateway.StatePendingSettlement:
		if amount != payment.AmountCents || payment.RefundedCents > 0 {
			return nil, paymentErr(ErrPartialRefundNotSupported, "This transaction cannot be partially refunded until it's settled.")
		}
		kind = models.OperationVoid
	case gateway.StateSettled:
		submitted := charge.SubmittedAt
		if submitted.IsZero() {
			submitted = payment.CreatedAt
		}
		if retention := r.svc.config.Retention; retention > 0 && r.svc.now().Sub(submitted) > retention {
			return nil, paymentErr(ErrTransactionTooOld, "This transaction is more than %d days old and cannot be refunded automatically.",
				int(retention/(24*time.Hour)))
		}
		if charge.SettledCents > 0 && charge.SettledCents-charge.RefundedCents < amount {
			return nil, paymentErr(ErrAmountExceedsLimit, "This transaction was only for %s so it cannot be refunded %s.",
				utils.FormatUSD(charge.SettledCents), utils.FormatUSD(amount))
		}
	default:
		return nil, paymentErr(ErrNotRefundable, "This transaction cannot be refunded because of an invalid status: %s.", charge.State)
	}

	op := &models.GatewayOperation{
		TrackingID:    r.TrackingID,
		Kind:          kind,
		Status:        models.OperationStarted,
		ReceiptID:     payment.ReceiptID,
		TransactionID: payment.ID,
		AmountCents:   amount,
		Description:   desc,
		Who:           r.audit.who(),
		Attempts:      1,
	}
	if err := r.svc.receipts.ReserveRefund(ctx, op); err != nil {
		return nil, err
	}

	var gatewayRef string
	if kind == models.OperationVoid {
		err = r.svc.gateway.Void(ctx, ref, r.TrackingID)
		gatewayRef = "void:" + r.TrackingID
	} else {
		var res *gateway.RefundResult
		res, err = r.svc.gateway.Refund(ctx, ref, amount, r.TrackingID)
		if res != nil {
			gatewayRef = res.ID
		}
	}
	if err != nil {
		if relErr := r.svc.receipts.ReleaseRefund(ctx, op, err); relErr != nil {
			utils.LogError(moduleRequests, "refund", relErr, r.fields())
		}
		return nil, r.gatewayFailure(ctx, string(kind), err, logrus.Fields{"transaction_id": payment.ID, "amount": amount})
	}

	if err := r.svc.receipts.MarkGatewayOK(ctx, op, gatewayRef); err != nil {
		return nil, r.ledgerOutOfSync(ctx, op, err)
	}
	refund, err := r.svc.receipts.CompleteRefund(ctx, op)
	if err != nil {
		return nil, r.ledgerOutOfSync(ctx, op, err)
	}

	utils.InfoLogger.WithFields(r.fields()).WithFields(logrus.Fields{
		"transaction_id": payment.ID,
		"kind":           kind,
		"amount":         amount,
		"gateway_ref":    gatewayRef,
	}).Info("Refund completed")
	return refund, nil
}

func (r *TransactionRequest) ledgerOutOfSync(ctx context.Context, op *models.GatewayOperation, err error) *PaymentError {
	r.svc.alerts.Alert(ctx, models.SeverityCritical, "Refund not recorded",
		fmt.Sprintf("The gateway accepted %s %s of %s but the ledger write failed: %v. It will be retried.",
			op.Kind, op.TrackingID, utils.FormatUSD(op.AmountCents), err),
		op.ReceiptID, r.fields())
	return paymentErr(ErrLedgerOutOfSync, "The refund was sent but could not be recorded yet. It will be reconciled automatically.")
}

func newTrackingID() string {
	return uuid.NewString()
}
