package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepUpRequest completes a payment that came back
// requiresAdditionalAuth. The stronger factor has already been
// verified by the caller (TOTP handler); identity was matched when the
// step-up was issued, so only the pause flag and the guard run here.
// The ceiling is deliberately not re-checked: clearing it is what the
// step-up was for.
type StepUpRequest struct {
	UserID          uuid.UUID
	PaymentMethodID uuid.UUID
	AmountCents     int64
	IPAddress       string
	RequestID       string
}

func (e *Engine) CompleteStepUp(ctx context.Context, req StepUpRequest) (Decision, error) {
	if req.AmountCents <= 0 {
		return Decision{}, fmt.Errorf("%w: step-up requires a positive amount", ErrInvalidParameter)
	}

	user, err := e.loadUser(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}

	var v verdict
	switch {
	case user.PaymentsPaused:
		v = verdict{
			outcome:  "deny",
			decision: Decision{Allowed: false, Reason: ReasonPaymentsPaused},
		}
	default:
		v, err = e.reserveStepUp(ctx, user, req)
		if err != nil {
			return Decision{}, err
		}
	}

	if auditErr := e.recordStepUp(req, v); auditErr != nil {
		return Decision{Allowed: false, Reason: ReasonAuditWriteFailed},
			fmt.Errorf("%w: %v", ErrAuditWriteFailed, auditErr)
	}

	return v.decision, v.err
}

func (e *Engine) reserveStepUp(ctx context.Context, user *models.User, req StepUpRequest) (verdict, error) {
	var method models.PaymentMethod
	if err := e.db.WithContext(ctx).
		First(&method, "id = ? AND user_id = ?", req.PaymentMethodID, user.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return verdict{}, guard.ErrPaymentMethodNotFound
		}
		return verdict{}, err
	}

	guardDecision, reservation, err := e.guard.CheckAndReserve(ctx, method.ID, user.ID, req.AmountCents)
	if err != nil {
		return verdict{}, err
	}

	decision := Decision{Guard: &guardDecision}
	if !guardDecision.Allowed {
		decision.Reason = guardDenialReason(guardDecision)
		return verdict{outcome: "deny", decision: decision}, nil
	}

	decision.Allowed = true
	decision.TransactionID = &reservation.ID
	return verdict{outcome: "allow", decision: decision}, nil
}

func (e *Engine) recordStepUp(req StepUpRequest, v verdict) error {
	details := map[string]interface{}{
		"payment_method_id": req.PaymentMethodID.String(),
		"amount_cents":      req.AmountCents,
		"factor":            "totp",
	}
	if v.decision.Reason != "" {
		details["reason"] = v.decision.Reason
	}
	if g := v.decision.Guard; g != nil {
		details["current_count"] = g.CurrentCount
		details["daily_total_cents"] = g.DailyTotalCents
		if g.RiskScore > 0 {
			details["risk_score"] = g.RiskScore
		}
	}

	userID := req.UserID
	methodID := req.PaymentMethodID
	_, err := e.audit.Record(services.AuditEntry{
		UserID:       &userID,
		Action:       "authorize.step_up",
		ResourceType: "payment_method",
		ResourceID:   &methodID,
		Outcome:      v.outcome,
		Details:      details,
		IPAddress:    req.IPAddress,
		RequestID:    req.RequestID,
	})
	return err
}
