package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/facegate/backend/internal/authz"
	"github.com/facegate/backend/internal/config"
	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/facegate/backend/pkg/logger"
	"github.com/facegate/backend/pkg/utils"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const testDimension = 8

type testEnv struct {
	app      *fiber.App
	db       *gorm.DB
	liveness *liveness.Service
	guard    *guard.Service
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.FaceProfile{},
		&models.FaceEmbedding{},
		&models.LivenessSession{},
		&models.VerificationAttempt{},
		&models.PaymentMethod{},
		&models.Transaction{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
		&models.Activity{},
		&models.MFAConfig{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	auditService := services.NewAuditService(db, nil)
	livenessService := liveness.NewService(db, config.LivenessConfig{TTL: 2 * time.Minute})
	guardService := guard.NewService(db)
	engine := authz.NewEngine(db, livenessService, guardService, auditService, config.MatcherConfig{
		Dimension:          testDimension,
		MatchThreshold:     0.70,
		DuplicateThreshold: 0.85,
	})

	guardDefaults := config.GuardConfig{
		DefaultMaxTransactionsPerPeriod: 5,
		DefaultPeriodMinutes:            60,
		DefaultDailyLimitCents:          50000,
		DefaultAutoApproveCeilingCents:  10000,
	}

	authHandler := NewAuthHandler(db, auditService)
	livenessHandler := NewLivenessHandler(livenessService, 3)
	authorizeHandler := NewAuthorizeHandler(db, engine)
	paymentMethodsHandler := NewPaymentMethodsHandler(db, guardService, livenessService, auditService, guardDefaults)
	auditHandler := NewAuditHandler(db, auditService)
	mfaHandler := NewMFAHandler(db, auditService)
	consentHandler := NewConsentHandler(db, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 10 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

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

	return &testEnv{app: app, db: db, liveness: livenessService, guard: guardService}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Test",
		LastName:     "User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func createTestPaymentMethod(t *testing.T, db *gorm.DB, userID uuid.UUID) *models.PaymentMethod {
	t.Helper()

	method := &models.PaymentMethod{
		UserID:                   userID,
		Label:                    "Visa ending 4242",
		GatewayToken:             "tok_test",
		MaxTransactionsPerPeriod: 5,
		PeriodMinutes:            60,
		DailyLimitCents:          50000,
		AutoApproveCeilingCents:  10000,
		Status:                   models.PaymentMethodActive,
	}
	if err := db.Create(method).Error; err != nil {
		t.Fatalf("failed creating payment method: %v", err)
	}
	return method
}

// completedSessionID runs a full challenge sequence through the
// service so handler tests can present a spendable session.
func completedSessionID(t *testing.T, env *testEnv, userID uuid.UUID) string {
	t.Helper()

	session, err := env.liveness.Generate(context.Background(), userID, 2, "camera")
	if err != nil {
		t.Fatalf("failed generating liveness session: %v", err)
	}
	for i := range session.Challenges {
		if _, err := env.liveness.Advance(context.Background(), session.ID, i); err != nil {
			t.Fatalf("failed advancing challenge %d: %v", i, err)
		}
	}
	return session.ID.String()
}

func faceVector(hot int) []float32 {
	v := make([]float32, testDimension)
	v[hot] = 1
	return v
}

func enrollTestFace(t *testing.T, env *testEnv, token string, userID uuid.UUID, vector []float32) {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/authorize", fiber.Map{
		"action":       "enroll",
		"sessionId":    completedSessionID(t, env, userID),
		"embedding":    vector,
		"modelVersion": "v2",
		"qualityScore": 0.9,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if allowed, _ := data["allowed"].(bool); !allowed {
		t.Fatalf("enrollment denied: %+v", data)
	}
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
