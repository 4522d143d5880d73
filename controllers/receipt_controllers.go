package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
)

type ReceiptController struct {
	Receipts *services.ReceiptManager
	Payments *services.PaymentService
}

func NewReceiptController(receipts *services.ReceiptManager, payments *services.PaymentService) *ReceiptController {
	return &ReceiptController{Receipts: receipts, Payments: payments}
}

type ownerRequest struct {
	OwnerType string `json:"owner_type" binding:"required"`
	OwnerID   string `json:"owner_id" binding:"required"`
}

func (r ownerRequest) ref() (models.OwnerRef, error) {
	t, err := models.ParseOwnerType(r.OwnerType)
	if err != nil {
		return models.OwnerRef{}, err
	}
	return models.OwnerRef{ID: r.OwnerID, Type: t}, nil
}

func ownerRefParam(c *gin.Context) (models.OwnerRef, error) {
	return ownerRequest{OwnerType: c.Param("owner_type"), OwnerID: c.Param("owner_id")}.ref()
}

// CreateReceipt opens a receipt priced from the owner's current state.
func (rc *ReceiptController) CreateReceipt(c *gin.Context) {
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

	ctx := c.Request.Context()
	owner, err := rc.Receipts.LoadOwner(ctx, ref)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	receipt, items, err := rc.Receipts.CreateNewReceipt(ctx, auditFrom(c), owner)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	receipt.Items = items
	utils.RespondJSON(c, http.StatusCreated, "Receipt created", services.Summarize(receipt))
}

// GetReceipt returns the owner's open receipt, or the latest closed one.
func (rc *ReceiptController) GetReceipt(c *gin.Context) {
	ref, err := ownerRefParam(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	receipt, err := rc.Receipts.GetReceiptForOwner(c.Request.Context(), ref)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Receipt detail", services.Summarize(receipt))
}

func (rc *ReceiptController) AddCustomItem(c *gin.Context) {
	var req struct {
		Description string `json:"description" binding:"required"`
		AmountCents int64  `json:"amount_cents" binding:"required"`
		Count       int    `json:"count" binding:"omitempty,gte=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	item, err := rc.Receipts.CreateCustomReceiptItem(c.Request.Context(), auditFrom(c), c.Param("id"), req.Description, req.AmountCents, req.Count)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Item added", item)
}

func (rc *ReceiptController) CompItem(c *gin.Context) {
	credit, err := rc.Receipts.CompReceiptItem(c.Request.Context(), auditFrom(c), c.Param("id"), c.Param("item_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Item comped", credit)
}

func (rc *ReceiptController) RevertItem(c *gin.Context) {
	undo, err := rc.Receipts.RevertReceiptItem(c.Request.Context(), auditFrom(c), c.Param("id"), c.Param("item_id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Item reverted", undo)
}

// CreateTransaction records money taken outside the gateway.
func (rc *ReceiptController) CreateTransaction(c *gin.Context) {
	var req struct {
		AmountCents int64  `json:"amount_cents" binding:"required"`
		Method      string `json:"method" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	method, ok := models.ParsePaymentMethod(req.Method)
	if !ok || method.IsGateway() {
		respondServiceError(c, services.ErrInvalidMethod)
		return
	}
	desc := req.Description
	if desc == "" {
		desc = "Payment by " + string(method)
	}

	txn, err := rc.Receipts.CreatePaymentTransaction(c.Request.Context(), auditFrom(c), c.Param("id"), desc, nil, req.AmountCents, method)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Payment recorded", txn)
}

// RefundTransaction refunds one payment; amount_cents 0 refunds what is left.
func (rc *ReceiptController) RefundTransaction(c *gin.Context) {
	var req struct {
		AmountCents int64 `json:"amount_cents" binding:"gte=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	txn, err := rc.Receipts.GetTransaction(ctx, c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	refund, err := rc.Payments.NewRequest(auditFrom(c), txn.ReceiptID).RefundOrCancel(ctx, txn, req.AmountCents)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusCreated, "Refund processed", refund)
}

func (rc *ReceiptController) RefundAll(c *gin.Context) {
	var req struct {
		ExcludeFees bool `json:"exclude_fees"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	refunds, err := rc.Payments.RefundAll(c.Request.Context(), auditFrom(c), c.Param("id"), req.ExcludeFees)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Refunds processed", gin.H{"refunds": refunds})
}

func (rc *ReceiptController) CloseReceipt(c *gin.Context) {
	receipt, err := rc.Receipts.CloseReceipt(c.Request.Context(), auditFrom(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	utils.RespondJSON(c, http.StatusOK, "Receipt closed", services.Summarize(receipt))
}
