package models

import "time"

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	FirstName    string   `json:"firstName" gorm:"type:varchar(100);not null"`
	LastName     string   `json:"lastName" gorm:"type:varchar(100);not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`

	// PaymentsPaused is a per-user kill switch for the pay action. A paused
	// user is denied regardless of every other check.
	PaymentsPaused bool `json:"paymentsPaused" gorm:"not null;default:false"`

	BiometricConsentAt *time.Time `json:"biometricConsentAt,omitempty"`
	ConsentRevokedAt   *time.Time `json:"consentRevokedAt,omitempty"`

	FaceProfiles   []FaceProfile   `json:"-" gorm:"foreignKey:UserID"`
	PaymentMethods []PaymentMethod `json:"-" gorm:"foreignKey:UserID"`
}
