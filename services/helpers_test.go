package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/receipt-engine/catalog"
	"github.com/yeremiapane/receipt-engine/database"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var admin = Audit{Who: "Test Admin"}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

type recorder struct {
	mu     sync.Mutex
	events []events.Message
}

func (r *recorder) Publish(event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Message{Event: event, Data: data})
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	db       *gorm.DB
	events   *recorder
	mock     *gateway.Mock
	receipts *ReceiptManager
	alerts   *Alerter
	payments *PaymentService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, gateway.NewMock())
}

func newFixtureWith(t *testing.T, gw gateway.PaymentGateway) *fixture {
	t.Helper()
	db := setupTestDB(t)
	rec := &recorder{}
	receipts := NewReceiptManager(db, catalog.New(catalog.DefaultPrices()), NewLocalLocker(), gw, rec)
	alerts := NewAlerter(db, rec)
	f := &fixture{
		db:       db,
		events:   rec,
		receipts: receipts,
		alerts:   alerts,
		payments: NewPaymentService(db, gw, receipts, alerts, PaymentConfig{}),
	}
	if m, ok := gw.(*gateway.Mock); ok {
		f.mock = m
	}
	return f
}

func (f *fixture) attendee(t *testing.T, badge string) *models.Attendee {
	t.Helper()
	a := &models.Attendee{FirstName: "Test", LastName: "Attendee", Email: "test@example.com", BadgeType: badge, AgeGroup: models.AgeGroupAdult}
	require.NoError(t, f.db.Create(a).Error)
	return a
}

// openReceipt creates an attendee and a receipt priced from their badge.
func (f *fixture) openReceipt(t *testing.T, badge string) (*models.Attendee, *models.Receipt) {
	t.Helper()
	a := f.attendee(t, badge)
	receipt, _, err := f.receipts.CreateNewReceipt(context.Background(), admin, a)
	require.NoError(t, err)
	return a, receipt
}

func (f *fixture) reload(t *testing.T, receiptID string) *models.Receipt {
	t.Helper()
	r, err := f.receipts.GetReceipt(context.Background(), receiptID)
	require.NoError(t, err)
	return r
}

func (f *fixture) paidStatus(t *testing.T, ref models.OwnerRef) models.PaidStatus {
	t.Helper()
	o, err := f.receipts.LoadOwner(context.Background(), ref)
	require.NoError(t, err)
	return o.PaidStatus()
}

// payByGateway prepares a payment for what is owed and confirms it.
func (f *fixture) payByGateway(t *testing.T, receipt *models.Receipt) *models.ReceiptTransaction {
	t.Helper()
	ctx := context.Background()
	owed := f.reload(t, receipt.ID).CurrentAmountOwed()
	intent, txn, err := f.payments.NewRequest(admin, receipt.ID).PreparePayment(ctx, owed, "Test payment", "test@example.com")
	require.NoError(t, err)
	conf, err := f.mock.Pay(intent.ID)
	require.NoError(t, err)
	_, err = f.receipts.MarkPaidFromIds(ctx, conf.IntentID, conf.ChargeID)
	require.NoError(t, err)
	paid, err := f.receipts.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	return paid
}
