package handlers

import (
	"errors"
	"strings"

	"github.com/facegate/backend/internal/config"
	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/facegate/backend/pkg/logger"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type PaymentMethodsHandler struct {
	DB       *gorm.DB
	Guard    *guard.Service
	Liveness *liveness.Service
	Audit    *services.AuditService
	Defaults config.GuardConfig
}

func NewPaymentMethodsHandler(db *gorm.DB, guardSvc *guard.Service, livenessSvc *liveness.Service, audit *services.AuditService, defaults config.GuardConfig) *PaymentMethodsHandler {
	return &PaymentMethodsHandler{
		DB:       db,
		Guard:    guardSvc,
		Liveness: livenessSvc,
		Audit:    audit,
		Defaults: defaults,
	}
}

type createPaymentMethodRequest struct {
	Label        string `json:"label"`
	GatewayToken string `json:"gatewayToken"`
	IsDefault    bool   `json:"isDefault"`
}

func (h *PaymentMethodsHandler) Create(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createPaymentMethodRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Label) == "" || strings.TrimSpace(req.GatewayToken) == "" {
		return utils.Error(c, fiber.StatusBadRequest, "label and gatewayToken are required")
	}

	method := models.PaymentMethod{
		UserID:                   user.ID,
		Label:                    strings.TrimSpace(req.Label),
		GatewayToken:             strings.TrimSpace(req.GatewayToken),
		MaxTransactionsPerPeriod: h.Defaults.DefaultMaxTransactionsPerPeriod,
		PeriodMinutes:            h.Defaults.DefaultPeriodMinutes,
		DailyLimitCents:          h.Defaults.DefaultDailyLimitCents,
		AutoApproveCeilingCents:  h.Defaults.DefaultAutoApproveCeilingCents,
		IsDefault:                req.IsDefault,
		Status:                   models.PaymentMethodActive,
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if req.IsDefault {
			if err := tx.Model(&models.PaymentMethod{}).
				Where("user_id = ?", user.ID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(&method).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating payment method")
	}

	h.recordEvent(c, user, "payment_method.create", &method, nil)

	return utils.Success(c, fiber.StatusCreated, method)
}

func (h *PaymentMethodsHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var methods []models.PaymentMethod
	if err := h.DB.Where("user_id = ?", user.ID).
		Order("created_at ASC").
		Find(&methods).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing payment methods")
	}

	return utils.Success(c, fiber.StatusOK, methods)
}

func (h *PaymentMethodsHandler) Get(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	method, err := h.loadOwned(c, user)
	if err != nil {
		return err
	}

	return utils.Success(c, fiber.StatusOK, method)
}

type updateGuardrailsRequest struct {
	SessionID                *string `json:"sessionId"`
	Label                    *string `json:"label"`
	MaxTransactionsPerPeriod *int    `json:"maxTransactionsPerPeriod"`
	PeriodMinutes            *int    `json:"periodMinutes"`
	DailyLimitCents          *int64  `json:"dailyLimitCents"`
	AutoApproveCeilingCents  *int64  `json:"autoApproveCeilingCents"`
	Status                   *string `json:"status"`
}

// UpdateGuardrails changes the limits the guard enforces. Loosening
// your own limits is a sensitive operation, so non-admin callers must
// present a fresh completed liveness session; admins override without
// one and the override is audited as such.
func (h *PaymentMethodsHandler) UpdateGuardrails(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	method, err := h.loadOwned(c, user)
	if err != nil {
		return err
	}

	var req updateGuardrailsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	adminOverride := user.Role == models.UserRoleAdmin && method.UserID != user.ID
	if !adminOverride {
		if req.SessionID == nil {
			return utils.Error(c, fiber.StatusPreconditionFailed, "guardrail changes require a fresh liveness verification")
		}
		sessionID, err := parseUUID(*req.SessionID)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
		}
		if err := h.Liveness.Consume(c.Context(), sessionID, user.ID); err != nil {
			switch {
			case errors.Is(err, liveness.ErrSessionExpired):
				return utils.Error(c, fiber.StatusGone, "liveness session expired")
			case errors.Is(err, liveness.ErrSessionAlreadyConsumed):
				return utils.Error(c, fiber.StatusConflict, "liveness session already used")
			case errors.Is(err, liveness.ErrSessionNotCompleted), errors.Is(err, liveness.ErrSessionFailed):
				return utils.Error(c, fiber.StatusPreconditionFailed, "liveness challenges not completed")
			default:
				status, message := errorStatus(err)
				return utils.Error(c, status, message)
			}
		}
	}

	updates := map[string]interface{}{}
	if req.Label != nil && strings.TrimSpace(*req.Label) != "" {
		updates["label"] = strings.TrimSpace(*req.Label)
	}
	if req.MaxTransactionsPerPeriod != nil {
		if *req.MaxTransactionsPerPeriod < 1 {
			return utils.Error(c, fiber.StatusBadRequest, "maxTransactionsPerPeriod must be at least 1")
		}
		updates["max_transactions_per_period"] = *req.MaxTransactionsPerPeriod
	}
	if req.PeriodMinutes != nil {
		if *req.PeriodMinutes < 1 {
			return utils.Error(c, fiber.StatusBadRequest, "periodMinutes must be at least 1")
		}
		updates["period_minutes"] = *req.PeriodMinutes
	}
	if req.DailyLimitCents != nil {
		if *req.DailyLimitCents < 0 {
			return utils.Error(c, fiber.StatusBadRequest, "dailyLimitCents must not be negative")
		}
		updates["daily_limit_cents"] = *req.DailyLimitCents
	}
	if req.AutoApproveCeilingCents != nil {
		if *req.AutoApproveCeilingCents < 0 {
			return utils.Error(c, fiber.StatusBadRequest, "autoApproveCeilingCents must not be negative")
		}
		updates["auto_approve_ceiling_cents"] = *req.AutoApproveCeilingCents
	}
	if req.Status != nil {
		switch models.PaymentMethodStatus(*req.Status) {
		case models.PaymentMethodActive, models.PaymentMethodDisabled:
			updates["status"] = *req.Status
		default:
			return utils.Error(c, fiber.StatusBadRequest, "status must be active or disabled")
		}
	}

	if len(updates) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "no guardrail changes supplied")
	}

	if err := h.DB.Model(method).Updates(updates).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating guardrails")
	}

	details := map[string]interface{}{"changes": updates}
	if adminOverride {
		details["admin_override"] = true
	}
	h.recordEvent(c, user, "payment_method.update_guardrails", method, details)

	return utils.Success(c, fiber.StatusOK, method)
}

// FrequencyStatus answers the caller-facing counters without reserving
// anything.
func (h *PaymentMethodsHandler) FrequencyStatus(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	method, err := h.loadOwned(c, user)
	if err != nil {
		return err
	}

	status, err := h.Guard.Status(c.Context(), method.ID)
	if err != nil {
		st, message := errorStatus(err)
		return utils.Error(c, st, message)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"transactionsInPeriod": status.CurrentCount,
		"limit":                status.Limit,
		"dailyTotalCents":      status.DailyTotalCents,
		"dailyLimitCents":      status.DailyLimitCents,
		"canPay":               status.Allowed,
		"resetAt":              status.ResetAt,
	})
}

func (h *PaymentMethodsHandler) PausePayments(c *fiber.Ctx) error {
	return h.setPaused(c, true, "payments.pause")
}

func (h *PaymentMethodsHandler) ResumePayments(c *fiber.Ctx) error {
	return h.setPaused(c, false, "payments.resume")
}

func (h *PaymentMethodsHandler) setPaused(c *fiber.Ctx, paused bool, action string) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	if err := h.DB.Model(user).Update("payments_paused", paused).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating payment state")
	}

	userID := user.ID
	if _, err := h.Audit.Record(services.AuditEntry{
		UserID:       &userID,
		Action:       action,
		ResourceType: "user",
		ResourceID:   &userID,
		Outcome:      "success",
		IPAddress:    c.IP(),
		RequestID:    requestID(c),
	}); err != nil {
		logger.Error("pause_audit_failed", err, map[string]interface{}{"user_id": userID.String()})
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"paymentsPaused": paused})
}

type settleTransactionRequest struct {
	Status string `json:"status"`
}

// Settle is the gateway-callback surface: it moves a pending
// reservation to its terminal status. Callbacks arrive through the
// gateway's service account, so only admins may settle. A cardholder
// who could cancel pending reservations would vacate sliding-window
// slots the frequency guard already counted.
func (h *PaymentMethodsHandler) Settle(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	transactionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid transaction id")
	}

	if user.Role != models.UserRoleAdmin {
		userID := user.ID
		resourceID := transactionID
		if _, auditErr := h.Audit.Record(services.AuditEntry{
			UserID:       &userID,
			Action:       "transaction.settle",
			ResourceType: "transaction",
			ResourceID:   &resourceID,
			Outcome:      "denied",
			IPAddress:    c.IP(),
			RequestID:    requestID(c),
		}); auditErr != nil {
			logger.Error("payment_method_audit_failed", auditErr, map[string]interface{}{
				"action":  "transaction.settle",
				"user_id": userID.String(),
			})
		}
		return utils.Error(c, fiber.StatusForbidden, "settlement is restricted to the gateway service account")
	}

	var req settleTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	row, err := h.Guard.Settle(c.Context(), transactionID, models.TransactionStatus(req.Status))
	if err != nil {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}

	h.recordEvent(c, user, "transaction.settle", nil, map[string]interface{}{
		"transaction_id": row.ID.String(),
		"status":         string(row.Status),
		"amount_cents":   row.AmountCents,
	})

	return utils.Success(c, fiber.StatusOK, row)
}

func (h *PaymentMethodsHandler) loadOwned(c *fiber.Ctx, user *models.User) (*models.PaymentMethod, error) {
	methodID, err := parseUUID(c.Params("id"))
	if err != nil {
		return nil, utils.Error(c, fiber.StatusBadRequest, "invalid payment method id")
	}

	var method models.PaymentMethod
	query := h.DB.Where("id = ?", methodID)
	if user.Role != models.UserRoleAdmin {
		query = query.Where("user_id = ?", user.ID)
	}
	if err := query.First(&method).Error; err != nil {
		return nil, utils.Error(c, fiber.StatusNotFound, "payment method not found")
	}

	return &method, nil
}

func (h *PaymentMethodsHandler) recordEvent(c *fiber.Ctx, user *models.User, action string, method *models.PaymentMethod, details map[string]interface{}) {
	userID := user.ID
	entry := services.AuditEntry{
		UserID:       &userID,
		Action:       action,
		ResourceType: "payment_method",
		Outcome:      "success",
		Details:      details,
		IPAddress:    c.IP(),
		RequestID:    requestID(c),
	}
	if method != nil {
		methodID := method.ID
		entry.ResourceID = &methodID
	}
	if _, err := h.Audit.Record(entry); err != nil {
		logger.Error("payment_method_audit_failed", err, map[string]interface{}{
			"action":  action,
			"user_id": userID.String(),
		})
	}
}
