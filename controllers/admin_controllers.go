package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
	"gorm.io/gorm"
)

var ErrNoPermission = errors.New("you do not have permission to do this")

type AdminController struct {
	DB         *gorm.DB
	Poller     *services.ConfirmationPoller
	Reconciler *services.OperationReconciler
	Hub        *events.Hub
}

func NewAdminController(db *gorm.DB, poller *services.ConfirmationPoller, reconciler *services.OperationReconciler, hub *events.Hub) *AdminController {
	return &AdminController{DB: db, Poller: poller, Reconciler: reconciler, Hub: hub}
}

type dashboardStats struct {
	OpenReceipts        int64  `json:"open_receipts"`
	ClosedReceipts      int64  `json:"closed_receipts"`
	PendingPayments     int64  `json:"pending_payments"`
	CollectedCents      int64  `json:"collected_cents"`
	RefundedCents       int64  `json:"refunded_cents"`
	Collected           string `json:"collected"`
	Refunded            string `json:"refunded"`
	OperationsToReview  int64  `json:"operations_to_review"`
	UnresolvedAlerts    int64  `json:"unresolved_alerts"`
	ConnectedDashboards int    `json:"connected_dashboards"`
}

// GetDashboardStats summarizes the ledger for the admin home page.
func (ac *AdminController) GetDashboardStats(c *gin.Context) {
	db := ac.DB.WithContext(c.Request.Context())
	var stats dashboardStats

	db.Model(&models.Receipt{}).Where("closed_at IS NULL").Count(&stats.OpenReceipts)
	db.Model(&models.Receipt{}).Where("closed_at IS NOT NULL").Count(&stats.ClosedReceipts)
	db.Model(&models.ReceiptTransaction{}).
		Where("amount_cents > 0 AND charge_id = '' AND cancelled_at IS NULL AND method IN ?", gatewayMethods()).
		Count(&stats.PendingPayments)

	if err := db.Model(&models.ReceiptTransaction{}).
		Where("amount_cents > 0 AND cancelled_at IS NULL AND (charge_id <> '' OR method NOT IN ?)", gatewayMethods()).
		Select("COALESCE(SUM(amount_cents), 0)").Row().Scan(&stats.CollectedCents); err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}
	if err := db.Model(&models.ReceiptTransaction{}).
		Where("amount_cents < 0").
		Select("COALESCE(SUM(-amount_cents), 0)").Row().Scan(&stats.RefundedCents); err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}
	stats.Collected = utils.FormatUSD(stats.CollectedCents)
	stats.Refunded = utils.FormatUSD(stats.RefundedCents)

	db.Model(&models.GatewayOperation{}).Where("status = ?", models.OperationNeedsReview).Count(&stats.OperationsToReview)
	db.Model(&models.Notification{}).Where("resolved = ?", false).Count(&stats.UnresolvedAlerts)
	if ac.Hub != nil {
		stats.ConnectedDashboards = ac.Hub.ClientCount()
	}

	utils.RespondJSON(c, http.StatusOK, "Dashboard stats retrieved successfully", stats)
}

func gatewayMethods() []models.PaymentMethod {
	return []models.PaymentMethod{models.MethodStripe, models.MethodAuthorizeNet, models.MethodMock}
}

// ListOperations returns journalled gateway refunds, optionally filtered by
// ?status=NEEDS_REVIEW and the like.
func (ac *AdminController) ListOperations(c *gin.Context) {
	q := ac.DB.WithContext(c.Request.Context()).Order("updated_at DESC").Limit(200)
	if status := strings.ToUpper(c.Query("status")); status != "" {
		switch models.OperationStatus(status) {
		case models.OperationStarted, models.OperationGatewayOK, models.OperationSucceeded,
			models.OperationFailed, models.OperationNeedsReview:
			q = q.Where("status = ?", status)
		default:
			badRequest(c, errors.New("unknown operation status "+status))
			return
		}
	}

	var ops []models.GatewayOperation
	if err := q.Find(&ops).Error; err != nil {
		utils.RespondError(c, http.StatusInternalServerError, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Gateway operations", ops)
}

// Reconcile runs one reconciler pass now instead of waiting for the ticker.
// Admin only.
func (ac *AdminController) Reconcile(c *gin.Context) {
	if c.GetString("role") != "admin" {
		utils.RespondError(c, http.StatusForbidden, ErrNoPermission)
		return
	}
	completed, flagged := ac.Reconciler.ReconcileOnce(c.Request.Context())
	utils.RespondJSON(c, http.StatusOK, "Reconciliation finished", gin.H{
		"completed": completed,
		"flagged":   flagged,
	})
}

func (ac *AdminController) GetPollerMetrics(c *gin.Context) {
	utils.RespondJSON(c, http.StatusOK, "Confirmation poller metrics", ac.Poller.Metrics())
}
