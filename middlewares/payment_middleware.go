package middlewares

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/receipt-engine/utils"
)

// maxWebhookBody bounds what a gateway callback may send.
const maxWebhookBody = 1 << 20

// PaymentSecurityHeaders keeps payment responses out of caches.
func PaymentSecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}

// LimitBody caps the request body before handlers read it.
func LimitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
		c.Next()
	}
}

// LogPaymentRequest logs every payment and webhook call.
func LogPaymentRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := utils.InfoLogger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if c.Writer.Status() >= http.StatusBadRequest {
			entry.Warn("Payment request failed")
			return
		}
		entry.Info("Payment request")
	}
}
