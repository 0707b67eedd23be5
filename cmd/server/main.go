package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facegate/backend/internal/authz"
	"github.com/facegate/backend/internal/config"
	"github.com/facegate/backend/internal/database"
	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/handlers"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/services"
	"github.com/facegate/backend/internal/storage"
	"github.com/facegate/backend/pkg/logger"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	storageClient, err := storage.NewMinIOClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("minio initialization failed: %v", err)
	}
	if err := storageClient.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("failed ensuring minio bucket: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	auditService := services.NewAuditService(db, storageClient)
	livenessService := liveness.NewService(db, cfg.Liveness)
	guardService := guard.NewService(db)
	engine := authz.NewEngine(db, livenessService, guardService, auditService, cfg.Matcher)

	livenessService.StartSweeper(ctx, time.Minute)
	auditService.StartExporter(ctx, cfg.Audit.ExportInterval)
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				utils.CleanupExpiredJTIs()
			}
		}
	}()

	authHandler := handlers.NewAuthHandler(db, auditService)
	livenessHandler := handlers.NewLivenessHandler(livenessService, cfg.Liveness.DefaultChallengeCount)
	authorizeHandler := handlers.NewAuthorizeHandler(db, engine)
	paymentMethodsHandler := handlers.NewPaymentMethodsHandler(db, guardService, livenessService, auditService, cfg.Guard)
	auditHandler := handlers.NewAuditHandler(db, auditService)
	mfaHandler := handlers.NewMFAHandler(db, auditService)
	consentHandler := handlers.NewConsentHandler(db, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	livenessRoutes := api.Group("/liveness", authMiddleware.RequireAuth)
	livenessRoutes.Post("/sessions", livenessHandler.Generate)
	livenessRoutes.Get("/sessions/:id", livenessHandler.Get)
	livenessRoutes.Post("/sessions/:id/challenges/:index", livenessHandler.Acknowledge)
	livenessRoutes.Post("/sessions/:id/fail", livenessHandler.Fail)

	api.Post("/authorize", authMiddleware.RequireAuth, authorizeHandler.Authorize)
	api.Post("/authorize/step-up", authMiddleware.RequireAuth, authorizeHandler.StepUp)

	methodRoutes := api.Group("/payment-methods", authMiddleware.RequireAuth)
	methodRoutes.Post("/", paymentMethodsHandler.Create)
	methodRoutes.Get("/", paymentMethodsHandler.List)
	methodRoutes.Get("/:id", paymentMethodsHandler.Get)
	methodRoutes.Put("/:id/guardrails", paymentMethodsHandler.UpdateGuardrails)
	methodRoutes.Get("/:id/frequency", paymentMethodsHandler.FrequencyStatus)

	api.Post("/payments/pause", authMiddleware.RequireAuth, paymentMethodsHandler.PausePayments)
	api.Post("/payments/resume", authMiddleware.RequireAuth, paymentMethodsHandler.ResumePayments)
	api.Post("/transactions/:id/settle", authMiddleware.RequireAuth, paymentMethodsHandler.Settle)

	mfaRoutes := api.Group("/mfa", authMiddleware.RequireAuth)
	mfaRoutes.Get("/status", mfaHandler.Status)
	mfaRoutes.Post("/totp/setup", mfaHandler.TOTPSetup)
	mfaRoutes.Post("/totp/verify-setup", mfaHandler.TOTPVerifySetup)
	mfaRoutes.Post("/totp/disable", mfaHandler.TOTPDisable)

	consentRoutes := api.Group("/consent", authMiddleware.RequireAuth)
	consentRoutes.Get("/", consentHandler.Status)
	consentRoutes.Delete("/face-data", consentHandler.Revoke)

	api.Get("/audit/export", authMiddleware.RequireAuth, auditHandler.ExportMyLog)
	api.Get("/audit/my-data", authMiddleware.RequireAuth, auditHandler.ExportMyData)
	api.Get("/audit", authMiddleware.RequireAuth, middleware.AdminOnly, auditHandler.List)

	api.Get("/activities", authMiddleware.RequireAuth, auditHandler.Activities)
	api.Put("/activities/:id/read", authMiddleware.RequireAuth, auditHandler.MarkActivityRead)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		stop()
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
