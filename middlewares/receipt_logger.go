package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/utils"
)

// ReceiptLoggerMiddleware records who changed which receipt, and whether it worked.
func ReceiptLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Request.Method == http.MethodGet {
			return
		}
		fields := logrus.Fields{
			"route":  c.FullPath(),
			"who":    c.GetString(CtxName),
			"status": c.Writer.Status(),
		}
		for _, p := range c.Params {
			fields[p.Key] = p.Value
		}
		if c.Writer.Status() < http.StatusBadRequest {
			utils.InfoLogger.WithFields(fields).Info("Ledger change")
		} else {
			utils.ErrorLogger.WithFields(fields).Warn("Ledger change rejected")
		}
	}
}
