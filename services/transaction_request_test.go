package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"gorm.io/gorm"
)

var errUntouched = errors.New("gateway must not be called")

func TestCreateIntent_RejectsBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)

	tests := []struct {
		name    string
		amount  int64
		email   string
		kind    error
		message string
	}{
		{"zero amount", 0, "a@example.com", ErrAmountInvalid, "There was an error calculating the amount. Please refresh the page or contact the system admin."},
		{"negative amount", -100, "a@example.com", ErrAmountInvalid, ""},
		{"over ceiling", 1000000, "a@example.com", ErrAmountExceedsLimit, "We cannot charge $10,000.00. Please make sure your total is below $9,999.99."},
		{"missing email", 4000, "", ErrCustomerLookupFailed, "An email address is required to pay online."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.mock.Err = errUntouched
			defer func() { f.mock.Err = nil }()
			req := f.payments.NewRequest(admin, receipt.ID)

			intent, err := req.CreateIntent(context.Background(), tt.amount, "Badge", tt.email)

			assert.Nil(t, intent)
			assert.ErrorIs(t, err, tt.kind)
			if tt.message != "" {
				assert.Equal(t, tt.message, UserMessage(err))
			}
			assert.Equal(t, StateIntentFailed, req.State())
			assert.Equal(t, errUntouched, f.mock.Err)
		})
	}
}

func TestCreateIntent_AtCeiling(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	req := f.payments.NewRequest(admin, receipt.ID)

	intent, err := req.CreateIntent(context.Background(), 999999, "Big order", "a@example.com")

	require.NoError(t, err)
	assert.Equal(t, int64(999999), intent.AmountCents)
	assert.Equal(t, StateIntentReady, req.State())
}

func TestCreateIntent_GatewayFailures(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	ctx := context.Background()

	f.mock.FailNext("GetOrCreateCustomer", errors.New("timeout"))
	_, err := f.payments.NewRequest(admin, receipt.ID).CreateIntent(ctx, 4000, "Badge", "a@example.com")
	assert.ErrorIs(t, err, ErrCustomerLookupFailed)

	f.mock.FailNext("CreateIntent", &gateway.APIError{Gateway: "mock", StatusCode: 500, Code: "internal", Message: "secret detail"})
	_, err = f.payments.NewRequest(admin, receipt.ID).CreateIntent(ctx, 4000, "Badge", "a@example.com")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.NotContains(t, UserMessage(err), "secret detail")

	var alerts []models.Notification
	require.NoError(t, f.db.Find(&alerts).Error)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "secret detail")
}

func TestTransactionRequest_InvalidTransition(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	req := f.payments.NewRequest(admin, receipt.ID)
	ctx := context.Background()

	_, err := req.CreateIntent(ctx, 4000, "Badge", "a@example.com")
	require.NoError(t, err)
	_, err = req.CreateIntent(ctx, 4000, "Badge", "a@example.com")

	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPreparePayment_CreatesPendingTransaction(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)

	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(context.Background(), 4000, "Badge", "a@example.com")
	require.NoError(t, err)

	assert.Equal(t, intent.ID, txn.IntentID)
	assert.Equal(t, models.MethodMock, txn.Method)
	assert.True(t, txn.IsPending())
	r := f.reload(t, receipt.ID)
	assert.Equal(t, int64(4000), r.PendingTotal())
	assert.Len(t, r.OpenItems(), 1)
}

// Scenario C
func TestRefundOrCancel_ExceedingAmountLeftNeverCallsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)

	_, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 1500)
	require.NoError(t, err)
	require.Equal(t, 1, f.mock.Refunds)

	req := f.payments.NewRequest(admin, receipt.ID)
	_, err = req.RefundOrCancel(ctx, payment, 3000)

	assert.ErrorIs(t, err, ErrAmountExceedsLimit)
	assert.Equal(t, "There is not enough left on this transaction to refund $30.00.", UserMessage(err))
	assert.Equal(t, StateRefundFailed, req.State())
	assert.Equal(t, 1, f.mock.Refunds)
	stored, err := f.receipts.GetTransaction(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stored.RefundedCents)
}

func TestRefundOrCancel_SettledChargeIsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)

	req := f.payments.NewRequest(admin, receipt.ID)
	refund, err := req.RefundOrCancel(ctx, payment, 0)
	require.NoError(t, err)

	assert.Equal(t, StateRefundSettled, req.State())
	assert.Equal(t, int64(-4000), refund.AmountCents)
	assert.Equal(t, "Automatic refund of transaction "+payment.ID, refund.Description)
	assert.NotEmpty(t, refund.RefundID)
	assert.Equal(t, 1, f.mock.Refunds)
	assert.Equal(t, 0, f.mock.Voids)

	var op models.GatewayOperation
	require.NoError(t, f.db.Where("tracking_id = ?", req.TrackingID).First(&op).Error)
	assert.Equal(t, models.OperationSucceeded, op.Status)
	assert.Equal(t, models.OperationRefund, op.Kind)
	assert.Equal(t, refund.RefundID, op.GatewayRef)

	_, err = f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 0)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, "This payment has already been fully refunded.", UserMessage(err))
}

func TestRefundOrCancel_PendingSettlementIsVoided(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)
	f.mock.SetChargeState(payment.IntentID, gateway.StatePendingSettlement, time.Time{})

	_, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 1000)
	assert.ErrorIs(t, err, ErrPartialRefundNotSupported)
	assert.Equal(t, "This transaction cannot be partially refunded until it's settled.", UserMessage(err))

	req := f.payments.NewRequest(admin, receipt.ID)
	refund, err := req.RefundOrCancel(ctx, payment, 4000)
	require.NoError(t, err)

	assert.Equal(t, 1, f.mock.Voids)
	assert.Equal(t, 0, f.mock.Refunds)
	assert.Equal(t, "void:"+req.TrackingID, refund.RefundID)
	stored, err := f.receipts.GetTransaction(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), stored.RefundedCents)
}

func TestRefundOrCancel_RetentionLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)
	f.mock.SetChargeState(payment.IntentID, gateway.StateSettled, time.Now().Add(-181*24*time.Hour))

	_, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 0)

	assert.ErrorIs(t, err, ErrTransactionTooOld)
	assert.Equal(t, "This transaction is more than 180 days old and cannot be refunded automatically.", UserMessage(err))
	assert.Equal(t, 0, f.mock.Refunds)
}

func TestRefundOrCancel_UnsettledChargeState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)
	f.mock.SetChargeState(payment.IntentID, gateway.StatePending, time.Time{})

	_, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 0)

	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Contains(t, UserMessage(err), "invalid status: pending")
}

func TestRefundOrCancel_GatewayFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)
	f.mock.FailNext("Refund", errors.New("connection reset"))

	req := f.payments.NewRequest(admin, receipt.ID)
	_, err := req.RefundOrCancel(ctx, payment, 2000)

	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	stored, err := f.receipts.GetTransaction(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RefundedCents)
	var op models.GatewayOperation
	require.NoError(t, f.db.Where("tracking_id = ?", req.TrackingID).First(&op).Error)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.Equal(t, "connection reset", op.LastError)

	// the payment can still be refunded afterwards
	_, err = f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 2000)
	assert.NoError(t, err)
}

func TestRefundOrCancel_LedgerFailureIsReplayedByReconciler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment := f.payByGateway(t, receipt)

	failRefunds := func(tx *gorm.DB) {
		if txn, ok := tx.Statement.Dest.(*models.ReceiptTransaction); ok && txn.AmountCents < 0 {
			tx.AddError(errors.New("disk full"))
		}
	}
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_refunds", failRefunds))

	req := f.payments.NewRequest(admin, receipt.ID)
	_, err := req.RefundOrCancel(ctx, payment, 4000)
	assert.ErrorIs(t, err, ErrLedgerOutOfSync)
	assert.Equal(t, 1, f.mock.Refunds)

	var op models.GatewayOperation
	require.NoError(t, f.db.Where("tracking_id = ?", req.TrackingID).First(&op).Error)
	assert.Equal(t, models.OperationGatewayOK, op.Status)

	require.NoError(t, f.db.Callback().Create().Remove("test:fail_refunds"))
	reconciler := NewOperationReconciler(f.receipts, f.alerts, time.Minute, 10*time.Minute)
	completed, flagged := reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, flagged)

	completed, _ = reconciler.ReconcileOnce(ctx)
	assert.Equal(t, 0, completed)

	r := f.reload(t, receipt.ID)
	assert.Equal(t, int64(4000), r.RefundTotal())
	assert.Equal(t, int64(0), r.TxnTotal())
	assert.Equal(t, 1, f.mock.Refunds)
}

func TestRefundOrSkip_SwallowsValidationOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	_, pendingTxn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "a@example.com")
	require.NoError(t, err)

	refund, err := f.payments.NewRequest(admin, receipt.ID).RefundOrSkip(ctx, pendingTxn, 0)
	assert.NoError(t, err)
	assert.Nil(t, refund)

	_, otherReceipt := f.openReceipt(t, models.BadgeSupporter)
	payment := f.payByGateway(t, otherReceipt)
	f.mock.FailNext("Refund", errors.New("gateway down"))
	_, err = f.payments.NewRequest(admin, otherReceipt.ID).RefundOrSkip(ctx, payment, 0)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestRefundOrCancel_RecoversMissedConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "a@example.com")
	require.NoError(t, err)
	// paid at the gateway, webhook lost
	_, err = f.mock.Pay(intent.ID)
	require.NoError(t, err)

	refund, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, txn, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(-4000), refund.AmountCents)
	stored, err := f.receipts.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ChargeID)
}

func TestRefundOrCancel_CashPaymentRecordedLocally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment, err := f.receipts.CreatePaymentTransaction(ctx, admin, receipt.ID, "Cash", nil, 4000, models.MethodCash)
	require.NoError(t, err)

	refund, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 1000)
	require.NoError(t, err)

	assert.Equal(t, models.MethodCash, refund.Method)
	assert.Equal(t, 0, f.mock.Refunds)
}

func TestRefundAll_MarksOwnerRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)
	f.payByGateway(t, receipt)

	refunds, err := f.payments.RefundAll(ctx, admin, receipt.ID, false)
	require.NoError(t, err)

	require.Len(t, refunds, 1)
	assert.Equal(t, models.PaidRefunded, f.paidStatus(t, a.Ref()))
}

func TestRefundAll_ExcludeFeesKeepsProcessingFee(t *testing.T) {
	f := newFixtureWith(t, gatewayMockWithFee())
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)
	f.payByGateway(t, receipt)

	refunds, err := f.payments.RefundAll(ctx, admin, receipt.ID, true)
	require.NoError(t, err)

	require.Len(t, refunds, 1)
	assert.Equal(t, int64(-(4000 - 146)), refunds[0].AmountCents)
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
}

// tokenGateway adds card-token charging to the mock, standing in for
// Authorize.Net.
type tokenGateway struct {
	*gateway.Mock
	declined bool
}

func (g *tokenGateway) ChargeToken(_ context.Context, charge gateway.TokenCharge) (*gateway.Confirmation, error) {
	if g.declined {
		return nil, gateway.ErrDeclined
	}
	return g.Pay(charge.IntentID)
}

func TestChargeToken(t *testing.T) {
	gw := &tokenGateway{Mock: gateway.NewMock()}
	f := newFixtureWith(t, gw)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	req := f.payments.NewRequest(admin, receipt.ID)
	_, txn, err := req.PreparePayment(ctx, 4000, "Badge", "a@example.com")
	require.NoError(t, err)

	gw.declined = true
	_, err = f.payments.NewRequest(admin, receipt.ID).ChargeToken(ctx, txn, "COMMON.ACCEPT.INAPP.PAYMENT", "token")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Contains(t, UserMessage(err), "declined")

	gw.declined = false
	settled, err := req.ChargeToken(ctx, txn, "COMMON.ACCEPT.INAPP.PAYMENT", "token")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, StateSettled, req.State())
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
}

func TestChargeToken_IntentGatewayUnsupported(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)

	_, err := f.payments.NewRequest(admin, receipt.ID).ChargeToken(context.Background(), &models.ReceiptTransaction{}, "d", "v")

	assert.ErrorIs(t, err, gateway.ErrUnsupported)
}

// countingGateway records how often the ledger asks the gateway for an
// intent's status.
type countingGateway struct {
	*gateway.Mock
	intentStatusCalls int
}

func (g *countingGateway) IntentStatus(ctx context.Context, intentID string) (*gateway.Confirmation, error) {
	g.intentStatusCalls++
	return g.Mock.IntentStatus(ctx, intentID)
}

func TestRefundOrCancel_PendingPaymentBoundCheckedBeforeGateway(t *testing.T) {
	gw := &countingGateway{Mock: gateway.NewMock()}
	f := newFixtureWith(t, gw)
	f.mock = gw.Mock
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "a@example.com")
	require.NoError(t, err)
	_, err = gw.Pay(intent.ID)
	require.NoError(t, err)

	_, err = f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, txn, 9000)

	assert.ErrorIs(t, err, ErrAmountExceedsLimit)
	assert.Equal(t, 0, gw.intentStatusCalls)
	assert.Equal(t, 0, gw.Refunds)

	refund, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, txn, 4000)
	require.NoError(t, err)
	assert.Equal(t, int64(-4000), refund.AmountCents)
	assert.Equal(t, 1, gw.intentStatusCalls)
}

func TestRefundOrCancel_ClosesCreditFromDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeSupporter)
	payment := f.payByGateway(t, receipt)
	require.False(t, f.reload(t, receipt.ID).IsOpen())

	stored, err := f.receipts.LoadOwner(ctx, a.Ref())
	require.NoError(t, err)
	after := stored.Clone().(*models.Attendee)
	after.BadgeType = models.BadgeAttendee
	items, err := f.receipts.AutoUpdateReceipt(ctx, admin, stored, after, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	credit := items[0]
	require.Equal(t, int64(-2500), credit.AmountCents)
	open, err := f.receipts.GetOpenReceipt(ctx, a.Ref())
	require.NoError(t, err)
	require.Equal(t, int64(-2500), open.CurrentAmountOwed())

	refund, err := f.payments.NewRequest(admin, receipt.ID).RefundOrCancel(ctx, payment, 2500)
	require.NoError(t, err)

	assert.Equal(t, open.ID, refund.ReceiptID)
	assert.Equal(t, int64(-2500), refund.AmountCents)
	creditReceipt := f.reload(t, open.ID)
	assert.False(t, creditReceipt.IsOpen())
	assert.Equal(t, int64(0), creditReceipt.CurrentAmountOwed())
	require.Len(t, creditReceipt.Items, 1)
	require.NotNil(t, creditReceipt.Items[0].ClosedAt)
	require.NotNil(t, creditReceipt.Items[0].ReceiptTransactionID)
	assert.Equal(t, refund.ID, *creditReceipt.Items[0].ReceiptTransactionID)

	_, err = f.receipts.GetOpenReceipt(ctx, a.Ref())
	assert.ErrorIs(t, err, ErrReceiptNotFound)
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
	assert.Equal(t, 1, f.mock.Refunds)
}
