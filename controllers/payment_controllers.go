package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
)

// PaymentController serves the public checkout endpoints and gateway
// webhooks. None of these routes are authenticated.
type PaymentController struct {
	Payments *services.PaymentService
}

func NewPaymentController(payments *services.PaymentService) *PaymentController {
	return &PaymentController{Payments: payments}
}

// CreateIntent prepares a gateway charge for whatever the owner owes.
func (pc *PaymentController) CreateIntent(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		badRequest(c, err)
		return
	}

	intent, txn, err := pc.Payments.PrepareOwnerPayment(c.Request.Context(), services.SystemAudit, ref)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	utils.RespondJSON(c, http.StatusCreated, "Payment intent created", gin.H{
		"intent":      intent,
		"transaction": txn,
		"gateway":     pc.Payments.Gateway().Name(),
	})
}

// ChargeToken charges a card tokenized in the browser against a pending
// transaction. Only token gateways accept it.
func (pc *PaymentController) ChargeToken(c *gin.Context) {
	var req struct {
		TransactionID  string `json:"transaction_id" binding:"required"`
		DataDescriptor string `json:"data_descriptor" binding:"required"`
		DataValue      string `json:"data_value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	txn, err := pc.Payments.Receipts().GetTransaction(ctx, req.TransactionID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	settled, err := pc.Payments.NewRequest(services.SystemAudit, txn.ReceiptID).ChargeToken(ctx, txn, req.DataDescriptor, req.DataValue)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Payment successful", gin.H{"transactions": settled})
}

// Webhook verifies and applies a gateway notification. Failures other than
// a bad signature return 5xx so the gateway retries.
func (pc *PaymentController) Webhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	name := c.Param("gateway")
	if err := pc.Payments.HandleWebhook(c.Request.Context(), name, c.Request.Header, body); err != nil {
		utils.LogError("controllers", "Webhook", err, logrus.Fields{"gateway": name})
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Webhook processed", nil)
}
