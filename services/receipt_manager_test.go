package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
)

func int64Ptr(v int64) *int64 { return &v }

func gatewayMockWithFee() *gateway.Mock { return gateway.NewMock().WithFee(290, 30) }

func TestCreateNewReceipt_SnapshotsCurrentCost(t *testing.T) {
	f := newFixture(t)
	a := f.attendee(t, models.BadgeAttendee)
	a.ExtraDonation = 1000
	require.NoError(t, f.db.Save(a).Error)

	receipt, items, err := f.receipts.CreateNewReceipt(context.Background(), admin, a)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "Attendee Badge for Test Attendee", items[0].Description)
	assert.Equal(t, int64(4000), items[0].AmountCents)
	assert.Equal(t, "Extra Donation", items[1].Description)
	assert.Equal(t, int64(5000), f.reload(t, receipt.ID).CurrentAmountOwed())
	assert.Equal(t, "Test Admin", items[0].CreatedBy)
	assert.Equal(t, 1, f.events.count(events.EventReceiptCreated))
}

func TestCreateNewReceipt_RefusesSecondOpenReceipt(t *testing.T) {
	f := newFixture(t)
	a, _ := f.openReceipt(t, models.BadgeAttendee)

	_, _, err := f.receipts.CreateNewReceipt(context.Background(), admin, a)

	assert.ErrorIs(t, err, ErrReceiptExists)
	var count int64
	f.db.Model(&models.Receipt{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

// Scenario A
func TestAutoUpdateReceipt_BadgeUpgrade(t *testing.T) {
	f := newFixture(t)
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	after := a.Clone().(*models.Attendee)
	after.BadgeType = models.BadgeSupporter
	items, err := f.receipts.AutoUpdateReceipt(context.Background(), admin, a, after, []models.Field{models.FieldBadgeType})
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "Upgrading Badge Type", items[0].Description)
	assert.Equal(t, int64(2500), items[0].AmountCents)
	assert.Equal(t, receipt.ID, items[0].ReceiptID)

	stored, err := f.receipts.LoadOwner(context.Background(), a.Ref())
	require.NoError(t, err)
	assert.Equal(t, models.BadgeSupporter, stored.(*models.Attendee).BadgeType)
	assert.Equal(t, int64(6500), f.reload(t, receipt.ID).CurrentAmountOwed())
}

// Scenario E
func TestAutoUpdateReceipt_UnsetOverrideIsOneReversion(t *testing.T) {
	f := newFixture(t)
	a := f.attendee(t, models.BadgeAttendee)
	a.OverriddenPrice = int64Ptr(3000)
	require.NoError(t, f.db.Save(a).Error)
	receipt, _, err := f.receipts.CreateNewReceipt(context.Background(), admin, a)
	require.NoError(t, err)
	require.Equal(t, int64(3000), f.reload(t, receipt.ID).CurrentAmountOwed())

	after := a.Clone().(*models.Attendee)
	after.OverriddenPrice = nil
	items, err := f.receipts.AutoUpdateReceipt(context.Background(), admin, a, after, nil)
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, int64(1000), items[0].AmountCents)
	assert.Equal(t, int64(4000), f.reload(t, receipt.ID).CurrentAmountOwed())
}

func TestAutoUpdateReceipt_ZeroDeltaAddsNoItems(t *testing.T) {
	f := newFixture(t)
	a, receipt := f.openReceipt(t, models.BadgeStaff)

	after := a.Clone().(*models.Attendee)
	after.BadgeType = models.BadgeGuest
	items, err := f.receipts.AutoUpdateReceipt(context.Background(), admin, a, after, nil)
	require.NoError(t, err)

	assert.Empty(t, items)
	assert.Empty(t, f.reload(t, receipt.ID).Items)
}

func TestAutoUpdateReceipt_StaleBefore(t *testing.T) {
	f := newFixture(t)
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	// someone else changed the badge after we loaded it; a stays as loaded
	require.NoError(t, f.db.Model(&models.Attendee{}).Where("id = ?", a.ID).Update("badge_type", models.BadgeOneDay).Error)
	require.Equal(t, models.BadgeAttendee, a.BadgeType)

	after := a.Clone().(*models.Attendee)
	after.BadgeType = models.BadgeSupporter
	_, err := f.receipts.AutoUpdateReceipt(context.Background(), admin, a, after, nil)

	assert.ErrorIs(t, err, ErrStaleOwner)
	assert.Len(t, f.reload(t, receipt.ID).Items, 1)
}

func TestAutoUpdateReceipt_OpensReceiptFromDeltasAfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)
	f.payByGateway(t, receipt)
	require.False(t, f.reload(t, receipt.ID).IsOpen())

	stored, err := f.receipts.LoadOwner(ctx, a.Ref())
	require.NoError(t, err)
	after := stored.Clone().(*models.Attendee)
	after.AmountExtra = 2000
	items, err := f.receipts.AutoUpdateReceipt(ctx, admin, stored, after, nil)
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "Upgrade Preordered Merch", items[0].Description)
	assert.NotEqual(t, receipt.ID, items[0].ReceiptID)
	open, err := f.receipts.GetOpenReceipt(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(2000), open.CurrentAmountOwed())
}

func TestAutoUpdateReceipt_GroupBadgesRemoveMostExpensiveFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &models.Group{Name: "Dealers", Email: "g@example.com", AutoRecalc: true, Badges: 3}
	require.NoError(t, f.db.Create(g).Error)
	require.NoError(t, f.db.Create(&[]models.GroupBadge{
		{GroupID: g.ID, PriceCents: 3000},
		{GroupID: g.ID, PriceCents: 4000},
		{GroupID: g.ID, PriceCents: 4000},
	}).Error)
	owner, err := f.receipts.LoadOwner(ctx, g.Ref())
	require.NoError(t, err)
	receipt, _, err := f.receipts.CreateNewReceipt(ctx, admin, owner)
	require.NoError(t, err)
	require.Equal(t, int64(11000), f.reload(t, receipt.ID).CurrentAmountOwed())

	after := owner.Clone().(*models.Group)
	after.Badges = 1
	items, err := f.receipts.AutoUpdateReceipt(ctx, admin, owner, after, nil)
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "Remove Group Badge", items[0].Description)
	assert.Equal(t, int64(-4000), items[0].AmountCents)
	assert.Equal(t, 2, items[0].Count)

	var left []models.GroupBadge
	require.NoError(t, f.db.Where("group_id = ?", g.ID).Find(&left).Error)
	require.Len(t, left, 1)
	assert.Equal(t, int64(3000), left[0].PriceCents)
}

func TestAutoUpdateReceipt_GroupCannotDropAssignedBadges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &models.Group{Name: "Band", AutoRecalc: true, Badges: 1}
	require.NoError(t, f.db.Create(g).Error)
	holder := "attendee-1"
	require.NoError(t, f.db.Create(&models.GroupBadge{GroupID: g.ID, PriceCents: 4000, AttendeeID: &holder}).Error)
	owner, err := f.receipts.LoadOwner(ctx, g.Ref())
	require.NoError(t, err)

	after := owner.Clone().(*models.Group)
	after.Badges = 0
	_, err = f.receipts.AutoUpdateReceipt(ctx, admin, owner, after, nil)

	assert.ErrorIs(t, err, models.ErrAssignedBadges)
}

func TestCompAndRevertReceiptItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	after := a.Clone().(*models.Attendee)
	after.BadgeType = models.BadgeSupporter
	items, err := f.receipts.AutoUpdateReceipt(ctx, admin, a, after, nil)
	require.NoError(t, err)
	upgrade := items[0]

	undo, err := f.receipts.RevertReceiptItem(ctx, admin, receipt.ID, upgrade.ID)
	require.NoError(t, err)
	assert.Equal(t, "Revert Upgrading Badge Type", undo.Description)
	assert.Equal(t, int64(-2500), undo.AmountCents)
	stored, err := f.receipts.LoadOwner(ctx, a.Ref())
	require.NoError(t, err)
	assert.Equal(t, models.BadgeAttendee, stored.(*models.Attendee).BadgeType)

	_, err = f.receipts.RevertReceiptItem(ctx, admin, receipt.ID, upgrade.ID)
	assert.ErrorIs(t, err, ErrNothingToRevert)

	var badge models.ReceiptItem
	for _, item := range f.reload(t, receipt.ID).Items {
		if item.Description == "Attendee Badge for Test Attendee" {
			badge = item
		}
	}
	credit, err := f.receipts.CompReceiptItem(ctx, admin, receipt.ID, badge.ID)
	require.NoError(t, err)
	assert.Equal(t, "Credit for Attendee Badge for Test Attendee", credit.Description)
	assert.Equal(t, int64(-4000), credit.AmountCents)
	assert.Equal(t, int64(0), f.reload(t, receipt.ID).CurrentAmountOwed())

	_, err = f.receipts.CompReceiptItem(ctx, admin, receipt.ID, badge.ID)
	assert.ErrorIs(t, err, ErrItemComped)
}

func TestCreateCustomReceiptItem(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)

	item, err := f.receipts.CreateCustomReceiptItem(context.Background(), admin, receipt.ID, " Badge Reprint ", 500, 2)
	require.NoError(t, err)
	assert.Equal(t, "Badge Reprint", item.Description)
	assert.Equal(t, int64(5000), f.reload(t, receipt.ID).CurrentAmountOwed())

	_, err = f.receipts.CreateCustomReceiptItem(context.Background(), admin, receipt.ID, "Nothing", 0, 1)
	assert.ErrorIs(t, err, ErrAmountInvalid)
}

// Scenario D
func TestCreatePaymentTransaction_CashSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	txn, err := f.receipts.CreatePaymentTransaction(context.Background(), admin, receipt.ID, "Cash at the desk", nil, 4000, models.MethodCash)
	require.NoError(t, err)

	assert.Empty(t, txn.IntentID)
	assert.True(t, txn.IsConfirmed())
	r := f.reload(t, receipt.ID)
	assert.Empty(t, r.OpenItems())
	assert.False(t, r.IsOpen())
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
	assert.Equal(t, 1, f.events.count(events.EventOwnerPaid))
}

func TestCreatePaymentTransaction_Validation(t *testing.T) {
	f := newFixture(t)
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	ctx := context.Background()

	_, err := f.receipts.CreatePaymentTransaction(ctx, admin, receipt.ID, "zero", nil, 0, models.MethodCash)
	assert.ErrorIs(t, err, ErrAmountInvalid)

	_, err = f.receipts.CreatePaymentTransaction(ctx, admin, receipt.ID, "no intent", nil, 4000, models.MethodStripe)
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestSettle_UnderpaymentLeavesItemsOpen(t *testing.T) {
	f := newFixture(t)
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	_, err := f.receipts.CreatePaymentTransaction(context.Background(), admin, receipt.ID, "Partial cash", nil, 1000, models.MethodCash)
	require.NoError(t, err)

	r := f.reload(t, receipt.ID)
	assert.Len(t, r.OpenItems(), 1)
	assert.True(t, r.IsOpen())
	assert.Equal(t, int64(1000), r.TxnTotal())
	assert.Equal(t, models.PaidNotPaid, f.paidStatus(t, a.Ref()))
}

// Scenario B
func TestMarkPaidFromIds_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)
	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PaidNotPaid, f.paidStatus(t, a.Ref()))

	first, err := f.receipts.MarkPaidFromIds(ctx, intent.ID, "ch_1")
	require.NoError(t, err)
	second, err := f.receipts.MarkPaidFromIds(ctx, intent.ID, "ch_1")
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Equal(t, txn.ID, first[0].ID)
	assert.Equal(t, "ch_1", first[0].ChargeID)

	r := f.reload(t, receipt.ID)
	assert.Len(t, r.Transactions, 1)
	assert.Empty(t, r.OpenItems())
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
	assert.Equal(t, 1, f.events.count(events.EventOwnerPaid))
	assert.Equal(t, 1, f.events.count(events.EventTransactionSettled))
}

func TestMarkPaidFromIds_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	intent, _, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "test@example.com")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		settled int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txns, err := f.receipts.MarkPaidFromIds(ctx, intent.ID, "ch_race")
			assert.NoError(t, err)
			mu.Lock()
			settled += len(txns)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, f.events.count(events.EventOwnerPaid))
}

func TestMarkPaidFromIds_UnknownIntentIgnored(t *testing.T) {
	f := newFixture(t)

	txns, err := f.receipts.MarkPaidFromIds(context.Background(), "pi_unknown", "ch_x")

	assert.NoError(t, err)
	assert.Empty(t, txns)
}

func TestMarkPaidFromIds_RecordsProcessingFee(t *testing.T) {
	f := newFixtureWith(t, gatewayMockWithFee())
	_, receipt := f.openReceipt(t, models.BadgeAttendee)

	txn := f.payByGateway(t, receipt)

	assert.Equal(t, int64(146), txn.ProcessingFeeCents)
}

func TestCancelStalePending_LateConfirmationStillSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)
	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, 4000, "Badge", "test@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(4000), f.reload(t, receipt.ID).PendingTotal())

	f.receipts.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := f.receipts.CancelStalePending(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(0), f.reload(t, receipt.ID).PendingTotal())

	_, err = f.receipts.MarkPaidFromIds(ctx, intent.ID, "ch_late")
	require.NoError(t, err)
	settled, err := f.receipts.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Nil(t, settled.CancelledAt)
	assert.Equal(t, models.PaidHasPaid, f.paidStatus(t, a.Ref()))
}

func TestRecordRefund_BoundAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, receipt := f.openReceipt(t, models.BadgeAttendee)
	payment, err := f.receipts.CreatePaymentTransaction(ctx, admin, receipt.ID, "Cash", nil, 4000, models.MethodCash)
	require.NoError(t, err)

	first, err := f.receipts.RecordRefund(ctx, admin, payment.ID, "Cash back", "cash-1", 1500)
	require.NoError(t, err)
	again, err := f.receipts.RecordRefund(ctx, admin, payment.ID, "Cash back", "cash-1", 1500)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int64(-1500), first.AmountCents)

	_, err = f.receipts.RecordRefund(ctx, admin, payment.ID, "Too much", "cash-2", 3000)
	assert.ErrorIs(t, err, ErrAmountExceedsLimit)

	stored, err := f.receipts.GetTransaction(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stored.RefundedCents)
}

func TestCloseReceiptAndMarkRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, receipt := f.openReceipt(t, models.BadgeAttendee)

	closed, err := f.receipts.CloseReceipt(ctx, admin, receipt.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)
	_, err = f.receipts.CloseReceipt(ctx, admin, receipt.ID)
	assert.ErrorIs(t, err, ErrReceiptClosed)

	_, err = f.receipts.CreateCustomReceiptItem(ctx, admin, receipt.ID, "Late fee", 500, 1)
	assert.ErrorIs(t, err, ErrReceiptClosed)

	require.NoError(t, f.receipts.MarkRefunded(ctx, admin, receipt.ID))
	assert.Equal(t, models.PaidRefunded, f.paidStatus(t, a.Ref()))
}
