package models

import "github.com/google/uuid"

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCanceled  TransactionStatus = "canceled"
)

// Transaction rows double as guard reservations: the check-and-reserve
// sequence inserts a pending row inside the same critical section that
// read the counters, so concurrent requests cannot both squeeze under
// a limit. The payment gateway collaborator later settles the row to
// succeeded, failed or canceled.
type Transaction struct {
	BaseModel
	PaymentMethodID uuid.UUID         `json:"paymentMethodID" gorm:"type:uuid;not null;index"`
	UserID          uuid.UUID         `json:"userID" gorm:"type:uuid;not null;index"`
	AmountCents     int64             `json:"amountCents" gorm:"not null"`
	Status          TransactionStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	Description     string            `json:"description,omitempty" gorm:"type:varchar(255)"`
}
