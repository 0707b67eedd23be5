package handlers

import (
	"net/http"
	"testing"

	"github.com/facegate/backend/internal/models"
)

func TestConsentStatus(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "consent@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodGet, "/api/consent/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["enrolledProfiles"].(float64) != 0 {
		t.Fatalf("expected no enrolled profiles, got %v", data["enrolledProfiles"])
	}
	if data["biometricConsentAt"] != nil {
		t.Fatal("expected no consent timestamp before enrollment")
	}

	enrollTestFace(t, env, token, user.ID, faceVector(0))

	resp = performJSONRequest(t, env.app, http.MethodGet, "/api/consent/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	data = decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["enrolledProfiles"].(float64) != 1 {
		t.Fatalf("expected 1 enrolled profile, got %v", data["enrolledProfiles"])
	}
	if data["biometricConsentAt"] == nil {
		t.Fatal("expected consent timestamp after enrollment")
	}
}

func TestConsentRevoke_DeletesFaceData(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "revoke@test.com", "password123", models.UserRoleUser)

	enrollTestFace(t, env, token, user.ID, faceVector(0))

	resp := performJSONRequest(t, env.app, http.MethodDelete, "/api/consent/face-data", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["profilesDeleted"].(float64) != 1 {
		t.Fatalf("expected 1 profile deleted, got %v", data["profilesDeleted"])
	}
	if data["embeddingsDeleted"].(float64) != 1 {
		t.Fatalf("expected 1 embedding deleted, got %v", data["embeddingsDeleted"])
	}

	var profiles, embeddings int64
	env.db.Model(&models.FaceProfile{}).Where("user_id = ?", user.ID).Count(&profiles)
	env.db.Model(&models.FaceEmbedding{}).Count(&embeddings)
	if profiles != 0 || embeddings != 0 {
		t.Fatalf("expected all face data gone, got %d profiles / %d embeddings", profiles, embeddings)
	}

	var dbUser models.User
	if err := env.db.First(&dbUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading user: %v", err)
	}
	if dbUser.ConsentRevokedAt == nil {
		t.Fatal("expected consent_revoked_at to be stamped")
	}
	if dbUser.BiometricConsentAt != nil {
		t.Fatal("expected biometric_consent_at to be cleared")
	}

	// Both ledger entries land, and the deletion references the
	// revocation that triggered it.
	var revokeEntry, deleteEntry models.AuditLog
	if err := env.db.First(&revokeEntry, "action = ?", "consent.revoke").Error; err != nil {
		t.Fatalf("revoke audit entry missing: %v", err)
	}
	if err := env.db.First(&deleteEntry, "action = ?", "face.data_delete").Error; err != nil {
		t.Fatalf("deletion audit entry missing: %v", err)
	}
	if deleteEntry.Details["triggered_by"] != revokeEntry.ID.String() {
		t.Fatalf("expected deletion to reference revocation, got %+v", deleteEntry.Details)
	}
}

func TestConsentRevoke_ReenrollmentStartsClean(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "reenroll@test.com", "password123", models.UserRoleUser)

	enrollTestFace(t, env, token, user.ID, faceVector(0))

	resp := performJSONRequest(t, env.app, http.MethodDelete, "/api/consent/face-data", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	// The same face enrolls again without tripping the duplicate check.
	enrollTestFace(t, env, token, user.ID, faceVector(0))

	var dbUser models.User
	if err := env.db.First(&dbUser, "id = ?", user.ID).Error; err != nil {
		t.Fatalf("failed reloading user: %v", err)
	}
	if dbUser.BiometricConsentAt == nil {
		t.Fatal("expected fresh consent timestamp after re-enrollment")
	}
}

func TestConsentRevoke_NothingEnrolled(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "noface@test.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodDelete, "/api/consent/face-data", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["profilesDeleted"].(float64) != 0 {
		t.Fatalf("expected 0 profiles deleted, got %v", data["profilesDeleted"])
	}
}
