package models

import "github.com/google/uuid"

// Activity rows are the user-visible notification feed fanned out from
// audit events (login alerts, payment pause changes). The notification
// dispatcher collaborator consumes them.
type Activity struct {
	BaseModel
	UserID       uuid.UUID  `json:"userID" gorm:"type:uuid;not null;index"`
	Action       string     `json:"action" gorm:"type:varchar(50);not null"`
	ResourceType string     `json:"resourceType" gorm:"type:varchar(30);not null"`
	ResourceID   *uuid.UUID `json:"resourceID,omitempty" gorm:"type:uuid"`
	Message      string     `json:"message" gorm:"type:text;not null"`
	IsRead       bool       `json:"isRead" gorm:"not null;default:false;index"`
}

func (Activity) TableName() string {
	return "activities"
}
