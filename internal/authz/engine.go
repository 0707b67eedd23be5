// Package authz orchestrates liveness, matching and the frequency/cap
// guard into a single allow/deny/step-up decision per action. Every
// decision writes exactly one audit entry before it is returned; if
// that write fails the authorization fails closed.
package authz

import (
	"context"
	"errors"

	"github.com/facegate/backend/internal/config"
	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/matcher"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Action string

const (
	ActionEnroll Action = "enroll"
	ActionLogin  Action = "login"
	ActionPay    Action = "pay"
)

// Decision reason codes. These are wire-visible contract values, not
// display strings; handlers pair them with human-readable messages.
const (
	ReasonPaymentsPaused         = "PaymentsPaused"
	ReasonNoMatch                = "NoMatch"
	ReasonLimitExceeded          = "LimitExceeded"
	ReasonMethodInactive         = "PaymentMethodInactive"
	ReasonSessionExpired         = "SessionExpired"
	ReasonSessionNotCompleted    = "SessionNotCompleted"
	ReasonSessionFailed          = "SessionFailed"
	ReasonSessionAlreadyConsumed = "SessionAlreadyConsumed"
	ReasonIncompatibleEmbedding  = "IncompatibleEmbedding"
	ReasonDuplicateFace          = "DuplicateFace"
	ReasonStepUpRequired         = "RequiresAdditionalAuth"
	ReasonAuditWriteFailed       = "AuditWriteFailed"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrUserNotFound     = errors.New("user not found")
	ErrAuditWriteFailed = errors.New("audit write failed")
)

type Request struct {
	Action            Action
	UserID            uuid.UUID
	SessionID         *uuid.UUID
	Embedding         []float32
	ModelVersion      string
	QualityScore      float64
	DeviceFingerprint string
	PaymentMethodID   *uuid.UUID
	AmountCents       int64
	IPAddress         string
	RequestID         string
}

type Decision struct {
	Allowed                bool            `json:"allowed"`
	Reason                 string          `json:"reason,omitempty"`
	RequiresAdditionalAuth bool            `json:"requiresAdditionalAuth,omitempty"`
	Score                  float64         `json:"score,omitempty"`
	ProfileID              *uuid.UUID      `json:"profileID,omitempty"`
	Guard                  *guard.Decision `json:"guard,omitempty"`
	TransactionID          *uuid.UUID      `json:"transactionID,omitempty"`
}

// maxEmbeddingsPerProfile bounds re-enrollment growth; the oldest
// vectors are dropped once a profile exceeds it.
const maxEmbeddingsPerProfile = 5

type Engine struct {
	db       *gorm.DB
	liveness *liveness.Service
	guard    *guard.Service
	audit    *services.AuditService
	cfg      config.MatcherConfig
}

func NewEngine(db *gorm.DB, livenessSvc *liveness.Service, guardSvc *guard.Service, auditSvc *services.AuditService, cfg config.MatcherConfig) *Engine {
	return &Engine{
		db:       db,
		liveness: livenessSvc,
		guard:    guardSvc,
		audit:    auditSvc,
		cfg:      cfg,
	}
}

func (e *Engine) loadUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// matcherProfiles converts a user's stored profiles into the matcher's
// pure input shape.
func (e *Engine) matcherProfiles(ctx context.Context, userID uuid.UUID) ([]matcher.Profile, error) {
	var rows []models.FaceProfile
	err := e.db.WithContext(ctx).
		Preload("Embeddings").
		Where("user_id = ? AND status = ?", userID, models.FaceProfileActive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toMatcherProfiles(rows), nil
}

// allProfiles loads every active profile in the store for duplicate
// detection at enrollment time.
func (e *Engine) allProfiles(ctx context.Context) ([]matcher.Profile, error) {
	var rows []models.FaceProfile
	err := e.db.WithContext(ctx).
		Preload("Embeddings").
		Where("status = ?", models.FaceProfileActive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toMatcherProfiles(rows), nil
}

func toMatcherProfiles(rows []models.FaceProfile) []matcher.Profile {
	profiles := make([]matcher.Profile, len(rows))
	for i, row := range rows {
		vectors := make([][]float32, len(row.Embeddings))
		for j, emb := range row.Embeddings {
			vectors[j] = emb.Vector
		}
		profiles[i] = matcher.Profile{
			ID:           row.ID,
			ModelVersion: row.ModelVersion,
			Vectors:      vectors,
		}
	}
	return profiles
}
