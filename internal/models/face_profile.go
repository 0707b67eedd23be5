package models

import (
	"time"

	"github.com/google/uuid"
)

type FaceProfileStatus string

const (
	FaceProfileActive  FaceProfileStatus = "active"
	FaceProfileRevoked FaceProfileStatus = "revoked"
)

// FaceProfile holds the enrolled embeddings for one user under one
// extraction-model version. Embeddings produced by different model
// versions live in separate profiles and are never scored against
// each other.
type FaceProfile struct {
	BaseModel
	UserID        uuid.UUID         `json:"userID" gorm:"type:uuid;not null;index:idx_profile_user_version,unique"`
	ModelVersion  string            `json:"modelVersion" gorm:"type:varchar(20);not null;index:idx_profile_user_version,unique"`
	QualityScore  float64           `json:"qualityScore" gorm:"not null;default:0"`
	Status        FaceProfileStatus `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	LastMatchedAt *time.Time        `json:"lastMatchedAt,omitempty"`

	Embeddings []FaceEmbedding `json:"-" gorm:"foreignKey:ProfileID"`
}

type FaceEmbedding struct {
	BaseModel
	ProfileID uuid.UUID `json:"profileID" gorm:"type:uuid;not null;index"`
	Vector    []float32 `json:"-" gorm:"type:text;serializer:json;not null"`
	Dimension int       `json:"dimension" gorm:"not null"`
}
