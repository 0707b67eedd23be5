package handlers

import (
	"errors"

	"github.com/facegate/backend/internal/authz"
	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/pkg/logger"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

type AuthorizeHandler struct {
	DB     *gorm.DB
	Engine *authz.Engine
}

func NewAuthorizeHandler(db *gorm.DB, engine *authz.Engine) *AuthorizeHandler {
	return &AuthorizeHandler{DB: db, Engine: engine}
}

type authorizeRequest struct {
	Action            string    `json:"action"`
	SessionID         *string   `json:"sessionId"`
	Embedding         []float32 `json:"embedding"`
	ModelVersion      string    `json:"modelVersion"`
	QualityScore      float64   `json:"qualityScore"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	PaymentMethodID   *string   `json:"paymentMethodId"`
	AmountCents       int64     `json:"amountCents"`
}

func (h *AuthorizeHandler) Authorize(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req authorizeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	engineReq := authz.Request{
		Action:            authz.Action(req.Action),
		UserID:            user.ID,
		Embedding:         req.Embedding,
		ModelVersion:      req.ModelVersion,
		QualityScore:      req.QualityScore,
		DeviceFingerprint: req.DeviceFingerprint,
		AmountCents:       req.AmountCents,
		IPAddress:         c.IP(),
		RequestID:         requestID(c),
	}

	if req.SessionID != nil {
		sessionID, err := parseUUID(*req.SessionID)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
		}
		engineReq.SessionID = &sessionID
	}

	if req.PaymentMethodID != nil {
		methodID, err := parseUUID(*req.PaymentMethodID)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid payment method id")
		}
		engineReq.PaymentMethodID = &methodID
	}

	decision, err := h.Engine.Authorize(c.Context(), engineReq)
	if err != nil && (decision.Reason == "" || errors.Is(err, authz.ErrAuditWriteFailed)) {
		// A fail-closed audit outage is an infrastructure fault, not a
		// policy denial, so it surfaces as a server error.
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}

	return h.renderDecision(c, user.ID, engineReq.PaymentMethodID, req.AmountCents, decision)
}

func (h *AuthorizeHandler) renderDecision(c *fiber.Ctx, userID uuid.UUID, methodID *uuid.UUID, amountCents int64, decision authz.Decision) error {
	payload := fiber.Map{
		"allowed": decision.Allowed,
	}
	if decision.Reason != "" {
		payload["reason"] = decision.Reason
		payload["message"] = reasonMessage(decision.Reason)
	}
	if decision.RequiresAdditionalAuth {
		payload["requiresAdditionalAuth"] = true

		if methodID != nil {
			token, err := utils.GenerateStepUpToken(userID, *methodID, amountCents)
			if err != nil {
				logger.Error("step_up_token_failed", err, map[string]interface{}{
					"user_id": userID.String(),
				})
			} else {
				payload["stepUpToken"] = token
			}
		}
	}
	if decision.Score != 0 {
		payload["score"] = decision.Score
	}
	if decision.ProfileID != nil {
		payload["profileId"] = decision.ProfileID
	}
	if decision.TransactionID != nil {
		payload["transactionId"] = decision.TransactionID
	}
	if decision.Guard != nil {
		payload["guard"] = decision.Guard
	}

	return utils.Decision(c, payload)
}

type stepUpRequest struct {
	StepUpToken string `json:"stepUpToken"`
	Code        string `json:"code"`
}

// StepUp completes a payment that came back requiresAdditionalAuth.
// The short-lived token pins the payment method and amount; the TOTP
// code is the stronger factor.
func (h *AuthorizeHandler) StepUp(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req stepUpRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.StepUpToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "stepUpToken and code are required")
	}

	claims, err := utils.ValidateStepUpToken(req.StepUpToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired step-up token")
	}
	if claims.UserID != user.ID {
		return utils.Error(c, fiber.StatusUnauthorized, "step-up token does not belong to this user")
	}
	if !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "step-up token already used")
	}

	var mfaCfg models.MFAConfig
	if err := h.DB.First(&mfaCfg, "user_id = ?", user.ID).Error; err != nil || !mfaCfg.TOTPEnabled {
		return utils.Error(c, fiber.StatusPreconditionFailed, "TOTP is not enabled for this account")
	}

	secret := utils.DecryptOrPlaintext(mfaCfg.TOTPSecret)
	if !totp.Validate(req.Code, secret) {
		logger.Warn("step_up_totp_rejected", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid TOTP code")
	}

	utils.ConsumeJTI(claims.JTI)

	decision, err := h.Engine.CompleteStepUp(c.Context(), authz.StepUpRequest{
		UserID:          user.ID,
		PaymentMethodID: claims.PaymentMethodID,
		AmountCents:     claims.AmountCents,
		IPAddress:       c.IP(),
		RequestID:       requestID(c),
	})
	if err != nil && (decision.Reason == "" || errors.Is(err, authz.ErrAuditWriteFailed)) {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}

	return h.renderDecision(c, user.ID, &claims.PaymentMethodID, claims.AmountCents, decision)
}
