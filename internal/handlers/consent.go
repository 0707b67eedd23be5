package handlers

import (
	"time"

	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/facegate/backend/pkg/logger"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ConsentHandler covers the revocation path: deleting all stored face
// data for a user and recording that it happened. Revocation is a hard
// delete of the biometric templates, not a soft disable.
type ConsentHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
}

func NewConsentHandler(db *gorm.DB, audit *services.AuditService) *ConsentHandler {
	return &ConsentHandler{DB: db, Audit: audit}
}

func (h *ConsentHandler) Status(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var dbUser models.User
	if err := h.DB.First(&dbUser, "id = ?", currentUser.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	var profileCount int64
	if err := h.DB.Model(&models.FaceProfile{}).
		Where("user_id = ? AND status = ?", currentUser.ID, models.FaceProfileActive).
		Count(&profileCount).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load face profiles")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"biometricConsentAt": dbUser.BiometricConsentAt,
		"consentRevokedAt":   dbUser.ConsentRevokedAt,
		"enrolledProfiles":   profileCount,
	})
}

// Revoke deletes every face profile and embedding belonging to the
// caller and stamps consent_revoked_at. Future enrollments start from
// a clean slate.
func (h *ConsentHandler) Revoke(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var deletedProfiles int64
	var deletedEmbeddings int64

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		var profileIDs []string
		if err := tx.Model(&models.FaceProfile{}).
			Where("user_id = ?", currentUser.ID).
			Pluck("id", &profileIDs).Error; err != nil {
			return err
		}

		if len(profileIDs) > 0 {
			result := tx.Where("profile_id IN ?", profileIDs).Delete(&models.FaceEmbedding{})
			if result.Error != nil {
				return result.Error
			}
			deletedEmbeddings = result.RowsAffected

			result = tx.Where("user_id = ?", currentUser.ID).Delete(&models.FaceProfile{})
			if result.Error != nil {
				return result.Error
			}
			deletedProfiles = result.RowsAffected
		}

		now := time.Now()
		return tx.Model(&models.User{}).
			Where("id = ?", currentUser.ID).
			Updates(map[string]interface{}{
				"consent_revoked_at":   now,
				"biometric_consent_at": nil,
			}).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking consent")
	}

	logger.InfoWithUser(currentUser.ID.String(), "consent_revoked", map[string]interface{}{
		"profiles_deleted":   deletedProfiles,
		"embeddings_deleted": deletedEmbeddings,
	})

	// Two ledger entries: the consent decision itself, and the data
	// deletion it triggered. Deleting biometric data without a trace
	// would make the ledger unable to answer "when was it removed".
	revokeEntry, err := h.Audit.Record(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "consent.revoke",
		ResourceType: "consent",
		ResourceID:   &currentUser.ID,
		Outcome:      "allow",
		IPAddress:    c.IP(),
		RequestID:    requestID(c),
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed recording audit entry")
	}

	if _, err := h.Audit.Record(services.AuditEntry{
		UserID:       &currentUser.ID,
		Action:       "face.data_delete",
		ResourceType: "face_profile",
		ResourceID:   &currentUser.ID,
		Outcome:      "allow",
		Details: map[string]interface{}{
			"profiles_deleted":   deletedProfiles,
			"embeddings_deleted": deletedEmbeddings,
			"triggered_by":       revokeEntry.ID.String(),
		},
		IPAddress: c.IP(),
		RequestID: requestID(c),
	}); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed recording audit entry")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"profilesDeleted":   deletedProfiles,
		"embeddingsDeleted": deletedEmbeddings,
	})
}
