package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/controllers"
	"github.com/yeremiapane/receipt-engine/middlewares"
	"github.com/yeremiapane/receipt-engine/utils"
)

// Handlers is everything the router mounts.
type Handlers struct {
	Users         *controllers.UserController
	Receipts      *controllers.ReceiptController
	Owners        *controllers.OwnerController
	Payments      *controllers.PaymentController
	Notifications *controllers.NotificationController
	Admin         *controllers.AdminController
	Events        *controllers.EventsController

	AllowedOrigins []string
	// PaymentLimiter throttles the public payment endpoints per client IP.
	PaymentLimiter *middlewares.RateLimiter
}

func SetupRouter(h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.CORSMiddlewares(h.AllowedOrigins))
	r.Use(middlewares.LoggerMiddleware())

	r.GET("/ping", func(c *gin.Context) {
		utils.RespondJSON(c, http.StatusOK, "pong", nil)
	})

	api := r.Group("/api")
	api.POST("/auth/login", h.Users.Login)

	// checkout, no login
	payments := api.Group("/payments")
	payments.Use(middlewares.PaymentSecurityHeaders(), middlewares.LimitBody(), middlewares.LogPaymentRequest())
	if h.PaymentLimiter != nil {
		payments.Use(h.PaymentLimiter.RateLimit())
	}
	{
		payments.POST("/intent", h.Payments.CreateIntent)
		payments.POST("/charge", h.Payments.ChargeToken)
	}

	// authenticated by signature, not JWT
	webhooks := api.Group("/webhooks")
	webhooks.Use(middlewares.LimitBody())
	webhooks.POST("/:gateway", h.Payments.Webhook)

	api.GET("/events/ws", middlewares.WebSocketAuthMiddleware(), middlewares.RoleCheck("admin", "staff"), h.Events.Stream)

	admin := api.Group("")
	admin.Use(middlewares.AuthMiddleware(), middlewares.RoleCheck("admin", "staff"), middlewares.ReceiptLoggerMiddleware())
	{
		admin.POST("/auth/logout", h.Users.Logout)
		admin.GET("/profile", h.Users.GetProfile)

		admin.POST("/receipts", h.Receipts.CreateReceipt)
		admin.GET("/receipts/:owner_type/:owner_id", h.Receipts.GetReceipt)
		admin.PATCH("/owners/:owner_type/:owner_id", h.Owners.UpdateOwner)
		admin.POST("/receipts/:id/items", h.Receipts.AddCustomItem)
		admin.POST("/receipts/:id/items/:item_id/comp", h.Receipts.CompItem)
		admin.POST("/receipts/:id/items/:item_id/revert", h.Receipts.RevertItem)
		admin.POST("/receipts/:id/transactions", h.Receipts.CreateTransaction)
		admin.POST("/receipts/:id/refund-all", h.Receipts.RefundAll)
		admin.POST("/receipts/:id/close", h.Receipts.CloseReceipt)
		admin.POST("/transactions/:id/refund", h.Receipts.RefundTransaction)

		admin.GET("/notifications", h.Notifications.GetAllNotifications)
		admin.GET("/notifications/:notif_id", h.Notifications.GetNotificationByID)
		admin.POST("/notifications/:notif_id/resolve", h.Notifications.ResolveNotification)

		admin.GET("/admin/dashboard", h.Admin.GetDashboardStats)
		admin.GET("/admin/operations", h.Admin.ListOperations)
		admin.POST("/admin/operations/reconcile", h.Admin.Reconcile)
		admin.GET("/admin/poller", h.Admin.GetPollerMetrics)
	}

	superAdmin := api.Group("/users")
	superAdmin.Use(middlewares.AuthMiddleware(), middlewares.RoleCheck("admin"))
	{
		superAdmin.GET("", h.Users.GetAllUsers)
		superAdmin.POST("", h.Users.Register)
	}

	return r
}
