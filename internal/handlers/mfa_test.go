package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/facegate/backend/internal/models"
	"github.com/gofiber/fiber/v2"
	"github.com/pquerna/otp/totp"
)

func TestMFAStatus_Unconfigured(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "mfastatus@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodGet, "/api/mfa/status", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if enabled, _ := data["totpEnabled"].(bool); enabled {
		t.Fatal("expected totpEnabled=false before setup")
	}
}

func TestTOTPSetupAndVerify(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "totpsetup@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/setup", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	secret, _ := data["secret"].(string)
	if secret == "" {
		t.Fatal("expected a TOTP secret")
	}
	if qrUri, _ := data["qrUri"].(string); qrUri == "" {
		t.Fatal("expected a provisioning URI")
	}

	// Wrong code first: setup stays unverified.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/verify-setup", fiber.Map{
		"code": "000000",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("failed generating TOTP code: %v", err)
	}
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/verify-setup", fiber.Map{
		"code": code,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var mfaCfg models.MFAConfig
	if err := env.db.First(&mfaCfg, "user_id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed loading MFA config: %v", err)
	}
	if !mfaCfg.TOTPEnabled || mfaCfg.TOTPVerifiedAt == nil {
		t.Fatalf("expected enabled+verified config, got %+v", mfaCfg)
	}

	var entry models.AuditLog
	if err := env.db.First(&entry, "action = ?", "mfa.totp_enabled").Error; err != nil {
		t.Fatalf("enable audit entry missing: %v", err)
	}

	// Status reflects it.
	resp = performJSONRequest(t, env.app, http.MethodGet, "/api/mfa/status", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	statusData := decodeJSONMap(t, resp)["data"].(map[string]any)
	if enabled, _ := statusData["totpEnabled"].(bool); !enabled {
		t.Fatal("expected totpEnabled=true after verification")
	}
}

func TestTOTPSetup_AlreadyEnabled(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "totpdup@test.com", "password123", models.UserRoleUser)

	now := time.Now()
	mfaCfg := models.MFAConfig{
		UserID:         user.ID,
		TOTPEnabled:    true,
		TOTPSecret:     "JBSWY3DPEHPK3PXP",
		TOTPVerifiedAt: &now,
	}
	if err := env.db.Create(&mfaCfg).Error; err != nil {
		t.Fatalf("failed seeding MFA config: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/setup", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusConflict)
}

func TestTOTPVerifySetup_NotStarted(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "notstarted@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/verify-setup", fiber.Map{
		"code": "123456",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestTOTPDisable(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "totpdisable@test.com", "password123", models.UserRoleUser)

	now := time.Now()
	mfaCfg := models.MFAConfig{
		UserID:         user.ID,
		TOTPEnabled:    true,
		TOTPSecret:     "JBSWY3DPEHPK3PXP",
		TOTPVerifiedAt: &now,
	}
	if err := env.db.Create(&mfaCfg).Error; err != nil {
		t.Fatalf("failed seeding MFA config: %v", err)
	}

	// Wrong password is refused.
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/disable", fiber.Map{
		"password": "not-the-password",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/mfa/totp/disable", fiber.Map{
		"password": "password123",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var reloaded models.MFAConfig
	if err := env.db.First(&reloaded, "user_id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading MFA config: %v", err)
	}
	if reloaded.TOTPEnabled || reloaded.TOTPSecret != "" || reloaded.TOTPVerifiedAt != nil {
		t.Fatalf("expected cleared config, got %+v", reloaded)
	}

	var entry models.AuditLog
	if err := env.db.First(&entry, "action = ?", "mfa.totp_disabled").Error; err != nil {
		t.Fatalf("disable audit entry missing: %v", err)
	}
}
