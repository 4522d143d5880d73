package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/receipt-engine/catalog"
	"github.com/yeremiapane/receipt-engine/config"
	"github.com/yeremiapane/receipt-engine/controllers"
	"github.com/yeremiapane/receipt-engine/database"
	"github.com/yeremiapane/receipt-engine/events"
	"github.com/yeremiapane/receipt-engine/middlewares"
	"github.com/yeremiapane/receipt-engine/router"
	"github.com/yeremiapane/receipt-engine/services"
	"github.com/yeremiapane/receipt-engine/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to load configuration: %v", err)
	}
	utils.InitLogger(cfg.Log.Format, cfg.Log.Level)
	utils.InitJWT(cfg.JWT.Secret, cfg.JWT.Expiry)
	gin.SetMode(cfg.App.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg.Database)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		utils.ErrorLogger.Fatalf("Failed to migrate: %v", err)
	}
	if err := database.SeedAdmin(db, cfg.App.AdminEmail, cfg.App.AdminPassword); err != nil {
		utils.ErrorLogger.Fatalf("Failed to seed admin account: %v", err)
	}

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to connect to redis: %v", err)
	}
	var locker services.Locker = services.NewLocalLocker()
	if rdb != nil {
		defer rdb.Close()
		locker = services.NewRedisLocker(rdb, cfg.Redis.LockTTL)
	}

	gw, err := config.NewGateway(cfg.Gateway)
	if err != nil {
		utils.ErrorLogger.Fatalf("Failed to set up payment gateway: %v", err)
	}

	hub := events.NewHub()
	receipts := services.NewReceiptManager(db, catalog.New(cfg.Prices), locker, gw, hub)
	alerts := services.NewAlerter(db, hub)
	payments := services.NewPaymentService(db, gw, receipts, alerts, services.PaymentConfig{
		CeilingCents: cfg.Payments.CeilingCents,
		Currency:     cfg.Gateway.Currency,
		Retention:    cfg.Payments.Retention,
	})

	sweeper := services.NewPendingSweeper(receipts, cfg.Workers.PendingTimeout, cfg.Workers.SweepInterval)
	poller := services.NewConfirmationPoller(payments, cfg.Workers.PollInterval, cfg.Workers.PollMaxAge)
	reconciler := services.NewOperationReconciler(receipts, alerts, cfg.Workers.ReconcileInterval, cfg.Workers.OperationTimeout)

	var workers sync.WaitGroup
	for _, run := range []func(context.Context){sweeper.Run, poller.Run, reconciler.Run} {
		workers.Add(1)
		go func(run func(context.Context)) {
			defer workers.Done()
			run(ctx)
		}(run)
	}

	r := router.SetupRouter(router.Handlers{
		Users:          controllers.NewUserController(db),
		Receipts:       controllers.NewReceiptController(receipts, payments),
		Owners:         controllers.NewOwnerController(receipts),
		Payments:       controllers.NewPaymentController(payments),
		Notifications:  controllers.NewNotificationController(db),
		Admin:          controllers.NewAdminController(db, poller, reconciler, hub),
		Events:         controllers.NewEventsController(hub, cfg.CORS.AllowedOrigins),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		PaymentLimiter: middlewares.NewRateLimiter(cfg.Payments.RateLimit, cfg.Payments.RateBurst),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		utils.InfoLogger.WithField("gateway", gw.Name()).Printf("Listening on port %s", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.ErrorLogger.Fatal(err)
		}
	}()

	<-ctx.Done()
	utils.InfoLogger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.LogError("main", "main", err, nil)
	}
	workers.Wait()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
