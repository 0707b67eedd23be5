package models

import (
	"time"

	"github.com/google/uuid"
)

type LivenessState string

const (
	LivenessPending    LivenessState = "pending"
	LivenessInProgress LivenessState = "in_progress"
	LivenessCompleted  LivenessState = "completed"
	LivenessFailed     LivenessState = "failed"
	LivenessExpired    LivenessState = "expired"
)

type ChallengeType string

const (
	ChallengeBlink         ChallengeType = "blink"
	ChallengeTurnHeadLeft  ChallengeType = "turn_head_left"
	ChallengeTurnHeadRight ChallengeType = "turn_head_right"
	ChallengeSmile         ChallengeType = "smile"
	ChallengeNod           ChallengeType = "nod"
)

type ChallengeSpec struct {
	Type        ChallengeType `json:"type"`
	Instruction string        `json:"instruction"`
}

// LivenessSession is one challenge-response run. Challenges are drawn
// without replacement so one session never repeats a type, and the row
// is single-use: ConsumedAt is set exactly once by a successful
// verification.
type LivenessSession struct {
	BaseModel
	UserID       uuid.UUID       `json:"userID" gorm:"type:uuid;not null;index"`
	Method       string          `json:"method" gorm:"type:varchar(30);not null"`
	Challenges   []ChallengeSpec `json:"challenges" gorm:"type:text;serializer:json;not null"`
	CurrentIndex int             `json:"currentIndex" gorm:"not null;default:0"`
	State        LivenessState   `json:"state" gorm:"type:varchar(20);not null;default:'pending'"`
	FailReason   string          `json:"failReason,omitempty" gorm:"type:varchar(100)"`
	ExpiresAt    time.Time       `json:"expiresAt" gorm:"not null;index"`
	ConsumedAt   *time.Time      `json:"consumedAt,omitempty"`
}
