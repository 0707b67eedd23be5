package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VerificationAttempt is one scoring event. Rows are append-only and
// never updated; like AuditLog it skips BaseModel so there is no
// UpdatedAt column to suggest otherwise.
type VerificationAttempt struct {
	ID                uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	ProfileID         *uuid.UUID `json:"profileID,omitempty" gorm:"type:uuid;index"`
	ModelVersion      string     `json:"modelVersion" gorm:"type:varchar(20);not null"`
	Score             float64    `json:"score" gorm:"not null"`
	Threshold         float64    `json:"threshold" gorm:"not null"`
	Action            string     `json:"action" gorm:"type:varchar(20);not null"`
	Outcome           string     `json:"outcome" gorm:"type:varchar(30);not null;index"`
	DeviceFingerprint string     `json:"deviceFingerprint,omitempty" gorm:"type:varchar(128)"`
	CreatedAt         time.Time  `json:"createdAt" gorm:"not null;index"`
}

func (v *VerificationAttempt) BeforeCreate(_ *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (VerificationAttempt) TableName() string {
	return "verification_attempts"
}
