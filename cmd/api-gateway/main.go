package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/uni-enroll-api/api/swagger"
	"github.com/noah-isme/uni-enroll-api/internal/gateway"
	"github.com/noah-isme/uni-enroll-api/internal/handler"
	"github.com/noah-isme/uni-enroll-api/internal/middleware"
	"github.com/noah-isme/uni-enroll-api/internal/models"
	"github.com/noah-isme/uni-enroll-api/internal/repository"
	"github.com/noah-isme/uni-enroll-api/internal/service"
	"github.com/noah-isme/uni-enroll-api/pkg/cache"
	"github.com/noah-isme/uni-enroll-api/pkg/config"
	"github.com/noah-isme/uni-enroll-api/pkg/database"
	"github.com/noah-isme/uni-enroll-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/uni-enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/uni-enroll-api/pkg/middleware/requestid"
	"github.com/noah-isme/uni-enroll-api/pkg/storage"
)

// @title Uni Enroll API
// @version 1.0.0
// @description University enrollment backend with mobile-money payment orchestration
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, stats caching disabled", zap.Error(err))
		redisClient = nil
	} else {
		defer redisClient.Close() //nolint:errcheck
	}

	metricsService := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	pendingRepo := repository.NewPendingPaymentRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	transactionRepo := repository.NewPaymentTransactionRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Gateway adapter: in-process simulator for local development, the real
	// HTTP adapter otherwise.
	var adapter gateway.Adapter
	if cfg.Payments.SimulationMode {
		adapter = gateway.NewSimulator(cfg.Payments, logr)
		logr.Info("payment gateway running in simulation mode")
	} else {
		adapter = gateway.NewHTTPAdapter(cfg.Payments, logr)
	}

	authService := service.NewAuthService(userRepo, nil, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "uni-enroll-api",
	})

	cacheService := service.NewCacheService(cacheRepo, metricsService, cfg.Dashboard.CacheTTL, logr, redisClient != nil)

	var receiptService *service.ReceiptService
	if cfg.Receipts.Enabled {
		receiptStore, err := storage.NewLocalStorage(cfg.Receipts.StorageDir)
		if err != nil {
			logr.Fatal("failed to init receipt storage", zap.Error(err))
		}
		signer := storage.NewSignedURLSigner(cfg.Receipts.SignedURLSecret, cfg.Receipts.SignedURLTTL)
		receiptService = service.NewReceiptService(enrollmentRepo, receiptStore, signer, logr,
			cfg.Receipts.WorkerConcurrency, cfg.Receipts.WorkerRetries)
		receiptService.StartWorkers(ctx)
		defer receiptService.Stop()
	}

	var paymentService *service.PaymentService
	if receiptService != nil {
		paymentService = service.NewPaymentService(
			pendingRepo, enrollmentRepo, transactionRepo, studentRepo,
			adapter, receiptService, metricsService, nil, logr,
			service.PaymentConfig{PendingTTL: cfg.Payments.PendingTTL},
		)
	} else {
		paymentService = service.NewPaymentService(
			pendingRepo, enrollmentRepo, transactionRepo, studentRepo,
			adapter, nil, metricsService, nil, logr,
			service.PaymentConfig{PendingTTL: cfg.Payments.PendingTTL},
		)
	}
	enrollmentService := service.NewEnrollmentService(enrollmentRepo, pendingRepo, cacheService, nil, nil, logr, cfg.Dashboard.CacheTTL)
	studentService := service.NewStudentService(studentRepo, nil, logr)
	transactionService := service.NewTransactionService(transactionRepo)

	authHandler := handler.NewAuthHandler(authService)
	paymentHandler := handler.NewPaymentHandler(paymentService)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentService, receiptService)
	studentHandler := handler.NewStudentHandler(studentService)
	transactionHandler := handler.NewTransactionHandler(transactionService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		authed := auth.Group("")
		authed.Use(middleware.JWT(authService))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	payments := api.Group("/payments")
	{
		// Operator webhooks carry no user token.
		payments.POST("/callback", paymentHandler.Callback)

		authed := payments.Group("")
		authed.Use(middleware.JWT(authService))
		authed.POST("/initiate", paymentHandler.Initiate)
		authed.GET("/:transactionId/status", paymentHandler.CheckStatus)
	}

	api.GET("/receipts/download", enrollmentHandler.DownloadReceipt)

	staffOnly := middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleRegistrar)
	staffOrSelf := middleware.RBAC(
		string(models.RoleSuperAdmin), string(models.RoleAdmin), string(models.RoleRegistrar), "SELF")

	enrollments := api.Group("/enrollments")
	enrollments.Use(middleware.JWT(authService))
	{
		enrollments.GET("", staffOnly, enrollmentHandler.List)
		enrollments.GET("/export", staffOnly, enrollmentHandler.Export)
		enrollments.GET("/stats", staffOnly, enrollmentHandler.Stats)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.GET("/:id/receipt", enrollmentHandler.ReceiptURL)
		enrollments.PUT("/:id/validate",
			staffOnly,
			middleware.Audit(userRepo, models.AuditActionEnrollValidate, "enrollment"),
			enrollmentHandler.Validate)
		enrollments.PUT("/:id/cancel",
			staffOnly,
			middleware.Audit(userRepo, models.AuditActionEnrollCancel, "enrollment"),
			enrollmentHandler.Cancel)
	}

	students := api.Group("/students")
	students.Use(middleware.JWT(authService))
	{
		students.GET("", staffOnly, studentHandler.List)
		students.GET("/:id", staffOrSelf, studentHandler.Get)
		students.POST("",
			staffOnly,
			middleware.Audit(userRepo, models.AuditActionStudentCreate, "student"),
			studentHandler.Create)
		students.PUT("/:id/eligibility",
			staffOnly,
			middleware.Audit(userRepo, models.AuditActionStudentEligibility, "student"),
			studentHandler.UpdateEligibility)
	}

	transactions := api.Group("/transactions")
	transactions.Use(middleware.JWT(authService), staffOnly)
	{
		transactions.GET("", transactionHandler.List)
		transactions.GET("/:transactionId", transactionHandler.Get)
	}

	if cfg.Payments.SweepEnabled {
		go runSweeper(ctx, paymentService, cfg.Payments.SweepInterval, logr)
	}
	if receiptService != nil && cfg.Receipts.RetentionTTL > 0 {
		go runReceiptJanitor(ctx, receiptService, cfg.Receipts, logr)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// runSweeper expires stale pending payments on a fixed interval.
func runSweeper(ctx context.Context, payments *service.PaymentService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := payments.Sweep(ctx); err != nil {
				logr.Warn("pending payment sweep failed", zap.Error(err))
			}
		}
	}
}

// runReceiptJanitor prunes receipt files past the retention window. Receipts
// are regenerated on demand, so removal never loses data.
func runReceiptJanitor(ctx context.Context, receipts *service.ReceiptService, cfg config.ReceiptsConfig, logr *zap.Logger) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := receipts.Cleanup(cfg.RetentionTTL); err != nil {
				logr.Warn("receipt cleanup failed", zap.Error(err))
			}
		}
	}
}
