package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/gateway"
	"github.com/yeremiapane/receipt-engine/models"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
)

var errorStatus = []struct {
	kind error
	code int
}{
	{services.ErrReceiptNotFound, http.StatusNotFound},
	{services.ErrTransactionNotFound, http.StatusNotFound},
	{services.ErrOwnerNotFound, http.StatusNotFound},
	{services.ErrItemNotFound, http.StatusNotFound},

	{services.ErrReceiptExists, http.StatusConflict},
	{services.ErrReceiptClosed, http.StatusConflict},
	{services.ErrStaleOwner, http.StatusConflict},
	{services.ErrItemComped, http.StatusConflict},
	{services.ErrNothingToRevert, http.StatusConflict},
	{services.ErrInvalidTransition, http.StatusConflict},
	{services.ErrAlreadyRefunded, http.StatusConflict},
	{services.ErrLockNotObtained, http.StatusConflict},

	{services.ErrAmountInvalid, http.StatusUnprocessableEntity},
	{services.ErrAmountExceedsLimit, http.StatusUnprocessableEntity},
	{services.ErrCustomerLookupFailed, http.StatusUnprocessableEntity},
	{services.ErrPartialRefundNotSupported, http.StatusUnprocessableEntity},
	{services.ErrTransactionTooOld, http.StatusUnprocessableEntity},
	{services.ErrNotRefundable, http.StatusUnprocessableEntity},
	{services.ErrInvalidMethod, http.StatusUnprocessableEntity},
	{services.ErrInvalidItem, http.StatusUnprocessableEntity},
	{models.ErrAssignedBadges, http.StatusUnprocessableEntity},
	{models.ErrInvalidOwner, http.StatusUnprocessableEntity},

	{gateway.ErrSignature, http.StatusBadRequest},
	{gateway.ErrUnsupported, http.StatusBadRequest},
	{services.ErrGatewayUnavailable, http.StatusBadGateway},
	{services.ErrLedgerOutOfSync, http.StatusInternalServerError},
}

// appError maps a service error to its HTTP status. Payment errors keep
// their user-facing message; unknown errors are hidden.
func appError(err error) *utils.AppError {
	for _, e := range errorStatus {
		if !errors.Is(err, e.kind) {
			continue
		}
		msg := err.Error()
		var pe *services.PaymentError
		if errors.As(err, &pe) {
			msg = pe.Message
		}
		return &utils.AppError{Code: e.code, Message: msg, Kind: e.kind.Error(), Err: err}
	}
	return &utils.AppError{Code: http.StatusInternalServerError, Message: "Internal server error", Err: err}
}

func respondServiceError(c *gin.Context, err error) {
	utils.RespondAppError(c, appError(err))
}

func badRequest(c *gin.Context, err error) {
	utils.RespondError(c, http.StatusBadRequest, err)
}

// auditFrom stamps ledger rows with the logged-in staff member's name.
func auditFrom(c *gin.Context) services.Audit {
	if name := c.GetString("name"); name != "" {
		return services.Audit{Who: name}
	}
	return services.SystemAudit
}
