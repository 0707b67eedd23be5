package models

import "github.com/google/uuid"

type PaymentMethodStatus string

const (
	PaymentMethodActive   PaymentMethodStatus = "active"
	PaymentMethodDisabled PaymentMethodStatus = "disabled"
)

// PaymentMethod carries the per-method guardrails the Frequency & Cap
// Guard enforces. All money fields are integer minor units (cents).
// The Authorization Engine only reads these; they are mutated by the
// owning user (subject to re-authorization) or by admin override.
type PaymentMethod struct {
	BaseModel
	UserID       uuid.UUID `json:"userID" gorm:"type:uuid;not null;index"`
	Label        string    `json:"label" gorm:"type:varchar(100);not null"`
	GatewayToken string    `json:"-" gorm:"type:varchar(255);not null"`

	MaxTransactionsPerPeriod int   `json:"maxTransactionsPerPeriod" gorm:"not null"`
	PeriodMinutes            int   `json:"periodMinutes" gorm:"not null"`
	DailyLimitCents          int64 `json:"dailyLimitCents" gorm:"not null"`
	AutoApproveCeilingCents  int64 `json:"autoApproveCeilingCents" gorm:"not null"`

	IsDefault bool                `json:"isDefault" gorm:"not null;default:false"`
	Status    PaymentMethodStatus `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
}
