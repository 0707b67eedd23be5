package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/matcher"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// verdict is an internal evaluation result before the audit write.
type verdict struct {
	outcome  string // allow | deny | step_up
	decision Decision
	err      error // taxonomy error surfaced alongside the decision
}

// Authorize turns an action request into a decision. Checks run
// cheapest first: pause flag, then session validity, then the embedding
// match, then the lock-sensitive guard, so an already-denied request
// never pays for the expensive stages. The audit write happens last and
// gates the result: no entry, no allow.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}

	user, err := e.loadUser(ctx, req.UserID)
	if err != nil {
		return Decision{}, err
	}

	var v verdict
	switch req.Action {
	case ActionEnroll:
		v, err = e.evaluateEnroll(ctx, req, user)
	case ActionLogin:
		v, err = e.evaluateLogin(ctx, req, user)
	case ActionPay:
		v, err = e.evaluatePay(ctx, req, user)
	}
	if err != nil {
		// Structural failure before any decision was reached.
		return Decision{}, err
	}

	if auditErr := e.recordDecision(req, v); auditErr != nil {
		return Decision{Allowed: false, Reason: ReasonAuditWriteFailed},
			fmt.Errorf("%w: %v", ErrAuditWriteFailed, auditErr)
	}

	return v.decision, v.err
}

func validate(req Request) error {
	switch req.Action {
	case ActionEnroll:
		if req.SessionID == nil {
			return fmt.Errorf("%w: enroll requires a liveness session", ErrInvalidParameter)
		}
		if len(req.Embedding) == 0 || req.ModelVersion == "" {
			return fmt.Errorf("%w: enroll requires an embedding and model version", ErrInvalidParameter)
		}
	case ActionLogin:
		if req.SessionID == nil {
			return fmt.Errorf("%w: login requires a liveness session", ErrInvalidParameter)
		}
		if len(req.Embedding) == 0 || req.ModelVersion == "" {
			return fmt.Errorf("%w: login requires an embedding and model version", ErrInvalidParameter)
		}
	case ActionPay:
		if len(req.Embedding) == 0 || req.ModelVersion == "" {
			return fmt.Errorf("%w: pay requires an embedding and model version", ErrInvalidParameter)
		}
		if req.PaymentMethodID == nil {
			return fmt.Errorf("%w: pay requires a payment method", ErrInvalidParameter)
		}
		if req.AmountCents <= 0 {
			return fmt.Errorf("%w: pay requires a positive amount", ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidParameter, req.Action)
	}
	return nil
}

// consumeSession maps liveness violations onto deny verdicts. A missing
// session is a structural error, not a decision.
func (e *Engine) consumeSession(ctx context.Context, sessionID, userID uuid.UUID) (*verdict, error) {
	err := e.liveness.Consume(ctx, sessionID, userID)
	if err == nil {
		return nil, nil
	}

	reason := ""
	switch {
	case errors.Is(err, liveness.ErrSessionExpired):
		reason = ReasonSessionExpired
	case errors.Is(err, liveness.ErrSessionNotCompleted):
		reason = ReasonSessionNotCompleted
	case errors.Is(err, liveness.ErrSessionFailed):
		reason = ReasonSessionFailed
	case errors.Is(err, liveness.ErrSessionAlreadyConsumed):
		reason = ReasonSessionAlreadyConsumed
	default:
		return nil, err
	}

	return &verdict{
		outcome:  "deny",
		decision: Decision{Allowed: false, Reason: reason},
		err:      err,
	}, nil
}

func (e *Engine) evaluateEnroll(ctx context.Context, req Request, user *models.User) (verdict, error) {
	if denied, err := e.consumeSession(ctx, *req.SessionID, user.ID); err != nil {
		return verdict{}, err
	} else if denied != nil {
		return *denied, nil
	}

	if len(req.Embedding) != e.cfg.Dimension {
		return verdict{
			outcome:  "deny",
			decision: Decision{Allowed: false, Reason: ReasonIncompatibleEmbedding},
			err:      matcher.ErrIncompatibleEmbedding,
		}, nil
	}

	candidate := matcher.Embedding{
		Vector:       matcher.Normalize(req.Embedding),
		ModelVersion: req.ModelVersion,
	}

	// One face, one account: refuse enrollment when the candidate is a
	// near-duplicate of a profile owned by someone else.
	all, err := e.allProfiles(ctx)
	if err != nil {
		return verdict{}, err
	}
	ownID := e.ownProfileID(ctx, user.ID, req.ModelVersion)
	dup, err := matcher.FindDuplicate(candidate, all, e.cfg.DuplicateThreshold, ownID)
	if err != nil {
		return verdict{}, err
	}
	if dup.Matched {
		if err := e.recordAttempt(ctx, req, user.ID, &dup.ProfileID, dup.Score, "duplicate"); err != nil {
			return verdict{}, err
		}
		return verdict{
			outcome:  "deny",
			decision: Decision{Allowed: false, Reason: ReasonDuplicateFace, Score: dup.Score},
		}, nil
	}

	profileID, err := e.storeEnrollment(ctx, user, candidate, req.QualityScore)
	if err != nil {
		return verdict{}, err
	}

	if err := e.recordAttempt(ctx, req, user.ID, &profileID, dup.Score, "enrolled"); err != nil {
		return verdict{}, err
	}

	return verdict{
		outcome:  "allow",
		decision: Decision{Allowed: true, ProfileID: &profileID},
	}, nil
}

func (e *Engine) evaluateLogin(ctx context.Context, req Request, user *models.User) (verdict, error) {
	if denied, err := e.consumeSession(ctx, *req.SessionID, user.ID); err != nil {
		return verdict{}, err
	} else if denied != nil {
		return *denied, nil
	}

	return e.matchIdentity(ctx, req, user)
}

func (e *Engine) evaluatePay(ctx context.Context, req Request, user *models.User) (verdict, error) {
	// Pause flag first: the cheapest check wins, and a paused user is
	// denied no matter what every later stage would say.
	if user.PaymentsPaused {
		return verdict{
			outcome:  "deny",
			decision: Decision{Allowed: false, Reason: ReasonPaymentsPaused},
		}, nil
	}

	if req.SessionID != nil {
		if denied, err := e.consumeSession(ctx, *req.SessionID, user.ID); err != nil {
			return verdict{}, err
		} else if denied != nil {
			return *denied, nil
		}
	}

	identity, err := e.matchIdentity(ctx, req, user)
	if err != nil || !identity.decision.Allowed {
		return identity, err
	}

	var method models.PaymentMethod
	if err := e.db.WithContext(ctx).
		First(&method, "id = ? AND user_id = ?", *req.PaymentMethodID, user.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return verdict{}, guard.ErrPaymentMethodNotFound
		}
		return verdict{}, err
	}

	if req.AmountCents > method.AutoApproveCeilingCents {
		// Above the auto-approval ceiling the caller escalates to a
		// stronger factor instead of being hard-denied.
		return verdict{
			outcome: "step_up",
			decision: Decision{
				Allowed:                false,
				RequiresAdditionalAuth: true,
				Reason:                 ReasonStepUpRequired,
				Score:                  identity.decision.Score,
				ProfileID:              identity.decision.ProfileID,
			},
		}, nil
	}

	guardDecision, reservation, err := e.guard.CheckAndReserve(ctx, method.ID, user.ID, req.AmountCents)
	if err != nil {
		return verdict{}, err
	}

	decision := identity.decision
	decision.Guard = &guardDecision

	if !guardDecision.Allowed {
		decision.Allowed = false
		decision.Reason = guardDenialReason(guardDecision)
		return verdict{outcome: "deny", decision: decision}, nil
	}

	decision.TransactionID = &reservation.ID
	return verdict{outcome: "allow", decision: decision}, nil
}

// guardDenialReason keeps the audit trail honest: a switched-off
// method is not a limit violation.
func guardDenialReason(d guard.Decision) string {
	if d.Reason == guard.ReasonMethodInactive {
		return ReasonMethodInactive
	}
	return ReasonLimitExceeded
}

// matchIdentity runs the embedding match and records the scoring event.
func (e *Engine) matchIdentity(ctx context.Context, req Request, user *models.User) (verdict, error) {
	profiles, err := e.matcherProfiles(ctx, user.ID)
	if err != nil {
		return verdict{}, err
	}

	candidate := matcher.Embedding{
		Vector:       req.Embedding,
		ModelVersion: req.ModelVersion,
	}

	result, err := matcher.Match(candidate, profiles, e.cfg.MatchThreshold)
	if err != nil {
		if errors.Is(err, matcher.ErrIncompatibleEmbedding) {
			if attemptErr := e.recordAttempt(ctx, req, user.ID, nil, 0, "incompatible"); attemptErr != nil {
				return verdict{}, attemptErr
			}
			return verdict{
				outcome:  "deny",
				decision: Decision{Allowed: false, Reason: ReasonIncompatibleEmbedding},
				err:      err,
			}, nil
		}
		return verdict{}, err
	}

	if !result.Matched {
		if err := e.recordAttempt(ctx, req, user.ID, nil, result.Score, "no_match"); err != nil {
			return verdict{}, err
		}
		return verdict{
			outcome:  "deny",
			decision: Decision{Allowed: false, Reason: ReasonNoMatch, Score: result.Score},
		}, nil
	}

	if err := e.recordAttempt(ctx, req, user.ID, &result.ProfileID, result.Score, "matched"); err != nil {
		return verdict{}, err
	}

	now := time.Now().UTC()
	e.db.WithContext(ctx).Model(&models.FaceProfile{}).
		Where("id = ?", result.ProfileID).
		Update("last_matched_at", now)

	return verdict{
		outcome: "allow",
		decision: Decision{
			Allowed:   true,
			Score:     result.Score,
			ProfileID: &result.ProfileID,
		},
	}, nil
}

func (e *Engine) ownProfileID(ctx context.Context, userID uuid.UUID, modelVersion string) uuid.UUID {
	var profile models.FaceProfile
	err := e.db.WithContext(ctx).
		Select("id").
		First(&profile, "user_id = ? AND model_version = ?", userID, modelVersion).Error
	if err != nil {
		return uuid.Nil
	}
	return profile.ID
}

// storeEnrollment upserts the (user, model version) profile and appends
// the normalized vector, pruning the oldest vectors past the cap.
func (e *Engine) storeEnrollment(ctx context.Context, user *models.User, candidate matcher.Embedding, quality float64) (uuid.UUID, error) {
	var profileID uuid.UUID

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile models.FaceProfile
		err := tx.First(&profile, "user_id = ? AND model_version = ?", user.ID, candidate.ModelVersion).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			profile = models.FaceProfile{
				UserID:       user.ID,
				ModelVersion: candidate.ModelVersion,
				QualityScore: quality,
				Status:       models.FaceProfileActive,
			}
			if err := tx.Create(&profile).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{"status": models.FaceProfileActive}
			if quality > profile.QualityScore {
				updates["quality_score"] = quality
			}
			if err := tx.Model(&profile).Updates(updates).Error; err != nil {
				return err
			}
		}
		profileID = profile.ID

		embedding := models.FaceEmbedding{
			ProfileID: profile.ID,
			Vector:    candidate.Vector,
			Dimension: len(candidate.Vector),
		}
		if err := tx.Create(&embedding).Error; err != nil {
			return err
		}

		var stale []models.FaceEmbedding
		if err := tx.Where("profile_id = ?", profile.ID).
			Order("created_at DESC").
			Offset(maxEmbeddingsPerProfile).
			Find(&stale).Error; err != nil {
			return err
		}
		for _, old := range stale {
			if err := tx.Delete(&old).Error; err != nil {
				return err
			}
		}

		// Enrollment is an affirmative consent act; a prior revocation is
		// replaced, not resurrected.
		now := time.Now().UTC()
		return tx.Model(user).Updates(map[string]interface{}{
			"biometric_consent_at": now,
			"consent_revoked_at":   nil,
		}).Error
	})
	if err != nil {
		return uuid.Nil, err
	}

	return profileID, nil
}

// recordAttempt appends the VerificationAttempt evidence row. Failures
// propagate: losing scoring evidence is treated exactly like losing an
// audit entry.
func (e *Engine) recordAttempt(ctx context.Context, req Request, userID uuid.UUID, profileID *uuid.UUID, score float64, outcome string) error {
	attempt := models.VerificationAttempt{
		UserID:            userID,
		ProfileID:         profileID,
		ModelVersion:      req.ModelVersion,
		Score:             score,
		Threshold:         e.cfg.MatchThreshold,
		Action:            string(req.Action),
		Outcome:           outcome,
		DeviceFingerprint: req.DeviceFingerprint,
	}
	if err := e.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return fmt.Errorf("%w: verification attempt: %v", ErrAuditWriteFailed, err)
	}
	return nil
}

func (e *Engine) recordDecision(req Request, v verdict) error {
	details := map[string]interface{}{
		"action": string(req.Action),
	}
	if v.decision.Reason != "" {
		details["reason"] = v.decision.Reason
	}
	if v.decision.Score != 0 {
		details["score"] = v.decision.Score
	}
	if req.SessionID != nil {
		details["session_id"] = req.SessionID.String()
	}
	if req.PaymentMethodID != nil {
		details["payment_method_id"] = req.PaymentMethodID.String()
	}
	if req.AmountCents > 0 {
		details["amount_cents"] = req.AmountCents
	}
	if req.DeviceFingerprint != "" {
		details["device_fingerprint"] = req.DeviceFingerprint
	}
	if g := v.decision.Guard; g != nil {
		details["current_count"] = g.CurrentCount
		details["daily_total_cents"] = g.DailyTotalCents
		if g.RiskScore > 0 {
			details["risk_score"] = g.RiskScore
		}
	}

	resourceType := "user"
	var resourceID *uuid.UUID
	switch req.Action {
	case ActionEnroll:
		resourceType = "face_profile"
		resourceID = v.decision.ProfileID
	case ActionPay:
		resourceType = "payment_method"
		resourceID = req.PaymentMethodID
	}

	userID := req.UserID
	_, err := e.audit.Record(services.AuditEntry{
		UserID:       &userID,
		Action:       "authorize." + string(req.Action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      v.outcome,
		Details:      details,
		IPAddress:    req.IPAddress,
		RequestID:    req.RequestID,
	})
	return err
}
