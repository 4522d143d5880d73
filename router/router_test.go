package router

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/receipt-engine/catalog"
	"github.com/yeremiapane/receipt-engine/controllers"
	"github.com/yeremiapane/receipt-engine/database"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/middlewares"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	receipts *services.ReceiptManager
	payments *services.PaymentService
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEnv(t *testing.T, gw gateway.PaymentGateway, limiter *middlewares.RateLimiter) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.InitJWT("router-test-secret-0123456789", time.Hour)

	db := setupTestDB(t)
	hub := events.NewHub()
	receipts := services.NewReceiptManager(db, catalog.New(catalog.DefaultPrices()), services.NewLocalLocker(), gw, hub)
	alerts := services.NewAlerter(db, hub)
	payments := services.NewPaymentService(db, gw, receipts, alerts, services.PaymentConfig{})
	poller := services.NewConfirmationPoller(payments, time.Minute, time.Hour)
	reconciler := services.NewOperationReconciler(receipts, alerts, time.Minute, 10*time.Minute)

	r := SetupRouter(Handlers{
		Users:          controllers.NewUserController(db),
		Receipts:       controllers.NewReceiptController(receipts, payments),
		Owners:         controllers.NewOwnerController(receipts),
		Payments:       controllers.NewPaymentController(payments),
		Notifications:  controllers.NewNotificationController(db),
		Admin:          controllers.NewAdminController(db, poller, reconciler, hub),
		Events:         controllers.NewEventsController(hub, nil),
		AllowedOrigins: []string{"http://localhost:5173"},
		PaymentLimiter: limiter,
	})
	return &testEnv{db: db, router: r, receipts: receipts, payments: payments}
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := utils.GenerateToken(1, "Test "+role, role)
	require.NoError(t, err)
	return tok
}

type response struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body interface{}) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp response
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (e *testEnv) attendee(t *testing.T) *models.Attendee {
	t.Helper()
	a := &models.Attendee{FirstName: "Test", LastName: "Attendee", Email: "test@example.com",
		BadgeType: models.BadgeAttendee, AgeGroup: models.AgeGroupAdult}
	require.NoError(t, e.db.Create(a).Error)
	return a
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	require.NoError(t, database.SeedAdmin(e.db, "Admin@Example.com", "password123"))

	w, _ := e.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "admin@example.com", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := e.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "admin@example.com", "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Token string `json:"token"`
		Role  string `json:"user_role"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "admin", data.Role)

	claims, err := utils.ParseToken(data.Token)
	require.NoError(t, err)
	assert.Equal(t, "Administrator", claims.Name)

	// a revoked token stops working
	w, _ = e.do(t, http.MethodPost, "/api/auth/logout", data.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(t, http.MethodGet, "/api/profile", data.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesNeedAuth(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)

	w, _ := e.do(t, http.MethodGet, "/api/receipts/Attendee/x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/admin/dashboard", token(t, "guest"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// staff can work receipts but not manage accounts
	w, _ = e.do(t, http.MethodGet, "/api/users", token(t, models.RoleStaff), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = e.do(t, http.MethodGet, "/api/users", token(t, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReceiptLifecycle(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	staff := token(t, models.RoleStaff)
	a := e.attendee(t)

	w, resp := e.do(t, http.MethodPost, "/api/receipts", staff, gin.H{"owner_type": "Attendee", "owner_id": a.ID})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	var receipt services.ReceiptSummary
	require.NoError(t, json.Unmarshal(resp.Data, &receipt))
	assert.Equal(t, int64(4000), receipt.CurrentAmountOwed)
	require.Len(t, receipt.Items, 1)
	assert.Equal(t, "Test staff", receipt.Items[0].CreatedBy)

	w, _ = e.do(t, http.MethodPost, "/api/receipts", staff, gin.H{"owner_type": "Attendee", "owner_id": a.ID})
	assert.Equal(t, http.StatusConflict, w.Code)

	path := "/api/receipts/" + receipt.ID
	w, _ = e.do(t, http.MethodPost, path+"/items", staff, gin.H{"description": "Parking", "amount_cents": 1500})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp = e.do(t, http.MethodGet, "/api/receipts/Attendee/"+a.ID, staff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &receipt))
	assert.Equal(t, int64(5500), receipt.CurrentAmountOwed)

	// gateway methods cannot be recorded by hand
	w, _ = e.do(t, http.MethodPost, path+"/transactions", staff, gin.H{"amount_cents": 5500, "method": "stripe"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w, resp = e.do(t, http.MethodPost, path+"/transactions", staff, gin.H{"amount_cents": 5500, "method": "cash"})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	var txn models.ReceiptTransaction
	require.NoError(t, json.Unmarshal(resp.Data, &txn))

	var reloaded models.Attendee
	require.NoError(t, e.db.First(&reloaded, "id = ?", a.ID).Error)
	assert.Equal(t, models.PaidHasPaid, reloaded.Paid)

	w, resp = e.do(t, http.MethodPost, "/api/transactions/"+txn.ID+"/refund", staff, gin.H{"amount_cents": 1500})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	var refund models.ReceiptTransaction
	require.NoError(t, json.Unmarshal(resp.Data, &refund))
	assert.Equal(t, int64(-1500), refund.AmountCents)

	w, resp = e.do(t, http.MethodPost, "/api/transactions/"+txn.ID+"/refund", staff, gin.H{"amount_cents": 5000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "There is not enough left on this transaction to refund $50.00.", resp.Message)
}

func TestGetReceipt_NotFound(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	a := e.attendee(t)

	w, resp := e.do(t, http.MethodGet, "/api/receipts/Attendee/"+a.ID, token(t, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Status)

	w, _ = e.do(t, http.MethodGet, "/api/receipts/Spaceship/"+a.ID, token(t, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateOwner(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	staff := token(t, models.RoleStaff)
	a := e.attendee(t)
	_, _, err := e.receipts.CreateNewReceipt(context.Background(), services.SystemAudit, a)
	require.NoError(t, err)

	path := "/api/owners/Attendee/" + a.ID
	w, resp := e.do(t, http.MethodPatch, path+"?preview=true", staff, gin.H{"badge_type": models.BadgeSupporter})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	var preview struct {
		Deltas []catalog.CostDelta `json:"deltas"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &preview))
	require.Len(t, preview.Deltas, 1)
	assert.Equal(t, int64(2500), preview.Deltas[0].Total())

	// preview saved nothing
	var stored models.Attendee
	require.NoError(t, e.db.First(&stored, "id = ?", a.ID).Error)
	assert.Equal(t, models.BadgeAttendee, stored.BadgeType)

	w, resp = e.do(t, http.MethodPatch, path, staff, gin.H{"badge_type": models.BadgeSupporter})
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	require.NoError(t, e.db.First(&stored, "id = ?", a.ID).Error)
	assert.Equal(t, models.BadgeSupporter, stored.BadgeType)

	receipt, err := e.receipts.GetOpenReceipt(context.Background(), a.Ref())
	require.NoError(t, err)
	assert.Equal(t, int64(6500), receipt.CurrentAmountOwed())

	w, _ = e.do(t, http.MethodPatch, path, staff, gin.H{"no_such_field": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPublicIntent(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	a := e.attendee(t)
	logs := logtest.NewLocal(utils.InfoLogger)
	t.Cleanup(func() { utils.InfoLogger.ReplaceHooks(make(logrus.LevelHooks)) })

	w, resp := e.do(t, http.MethodPost, "/api/payments/intent", "", gin.H{"owner_type": "Attendee", "owner_id": a.ID})
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	created := 0
	for _, entry := range logs.AllEntries() {
		if entry.Message == "Payment intent created" {
			created++
		}
	}
	assert.Equal(t, 1, created)
	var data struct {
		Intent      gateway.Intent            `json:"intent"`
		Transaction models.ReceiptTransaction `json:"transaction"`
		Gateway     string                    `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, int64(4000), data.Intent.AmountCents)
	assert.Equal(t, data.Intent.ID, data.Transaction.IntentID)
	assert.Equal(t, gateway.MockName, data.Gateway)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	// the mock has no token charges and no webhooks
	w, _ = e.do(t, http.MethodPost, "/api/payments/charge", "", gin.H{
		"transaction_id": data.Transaction.ID, "data_descriptor": "COMMON.ACCEPT.INAPP.PAYMENT", "data_value": "nonce"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = e.do(t, http.MethodPost, "/api/webhooks/mock", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicIntent_RateLimited(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), middlewares.NewRateLimiter(0.001, 1))
	body := gin.H{"owner_type": "Attendee", "owner_id": "missing"}

	w, _ := e.do(t, http.MethodPost, "/api/payments/intent", "", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = e.do(t, http.MethodPost, "/api/payments/intent", "", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func stripeSignature(body []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_router_test"
	stripe := gateway.NewStripeClient(gateway.StripeConfig{SecretKey: "sk_test", WebhookSecret: secret, FeeBasisPoints: 290, FeeFixedCents: 30}, nil)
	e := newTestEnv(t, stripe, nil)
	ctx := context.Background()

	a := e.attendee(t)
	receipt, _, err := e.receipts.CreateNewReceipt(ctx, services.SystemAudit, a)
	require.NoError(t, err)
	txn, err := e.receipts.CreatePaymentTransaction(ctx, services.SystemAudit, receipt.ID, "Stripe payment",
		&gateway.Intent{ID: "pi_router"}, 4000, models.MethodStripe)
	require.NoError(t, err)

	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_router","amount_received":4000,"latest_charge":"ch_router"}}}`)

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", sig)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, send(stripeSignature(body, "whsec_wrong", time.Now())).Code)
	stored, err := e.receipts.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ChargeID)

	require.Equal(t, http.StatusOK, send(stripeSignature(body, secret, time.Now())).Code)
	// redelivery is acknowledged and changes nothing
	require.Equal(t, http.StatusOK, send(stripeSignature(body, secret, time.Now())).Code)

	stored, err = e.receipts.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "ch_router", stored.ChargeID)
	assert.Equal(t, int64(146), stored.ProcessingFeeCents)

	var count int64
	e.db.Model(&models.ReceiptTransaction{}).Where("charge_id = ?", "ch_router").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestNotificationsAndDashboard(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	admin := token(t, models.RoleAdmin)
	require.NoError(t, e.db.Create(&models.Notification{Severity: models.SeverityCritical, Title: "Refund outcome unknown", Message: "check it"}).Error)
	require.NoError(t, e.db.Create(&models.Notification{Severity: models.SeverityWarning, Title: "Old", Message: "done", Resolved: true}).Error)

	w, resp := e.do(t, http.MethodGet, "/api/notifications?unresolved=true", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var notifs []models.Notification
	require.NoError(t, json.Unmarshal(resp.Data, &notifs))
	require.Len(t, notifs, 1)

	w, resp = e.do(t, http.MethodGet, "/api/admin/dashboard", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.EqualValues(t, 1, stats["unresolved_alerts"])

	w, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/notifications/%d/resolve", notifs[0].ID), admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = e.do(t, http.MethodPost, "/api/notifications/9999/resolve", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = e.do(t, http.MethodGet, "/api/notifications?unresolved=true", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &notifs))
	assert.Empty(t, notifs)
}

func TestOperationsAndReconcile(t *testing.T) {
	e := newTestEnv(t, gateway.NewMock(), nil)
	require.NoError(t, e.db.Create(&models.GatewayOperation{
		TrackingID: "trk-1", Kind: models.OperationRefund, Status: models.OperationNeedsReview,
		ReceiptID: "r1", TransactionID: "t1", AmountCents: 1000,
	}).Error)

	w, resp := e.do(t, http.MethodGet, "/api/admin/operations?status=needs_review", token(t, models.RoleStaff), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ops []models.GatewayOperation
	require.NoError(t, json.Unmarshal(resp.Data, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "trk-1", ops[0].TrackingID)

	w, _ = e.do(t, http.MethodGet, "/api/admin/operations?status=bogus", token(t, models.RoleStaff), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPost, "/api/admin/operations/reconcile", token(t, models.RoleStaff), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, _ = e.do(t, http.MethodPost, "/api/admin/operations/reconcile", token(t, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/admin/poller", token(t, models.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
