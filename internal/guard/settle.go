package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/facegate/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction transition")
)

// Settle moves a pending reservation to its terminal status once the
// payment gateway reports the charge result. Only pending rows settle;
// a terminal row never changes again, so the sliding-window counters
// stay stable history.
func (s *Service) Settle(ctx context.Context, transactionID uuid.UUID, status models.TransactionStatus) (*models.Transaction, error) {
	switch status {
	case models.TransactionSucceeded, models.TransactionFailed, models.TransactionCanceled:
	default:
		return nil, fmt.Errorf("%w: cannot settle to %q", ErrInvalidTransition, status)
	}

	var row models.Transaction
	if err := s.db.WithContext(ctx).First(&row, "id = ?", transactionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	mu := s.lock(row.PaymentMethodID)
	mu.Lock()
	defer mu.Unlock()

	result := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", transactionID, models.TransactionPending).
		Update("status", status)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: transaction is not pending", ErrInvalidTransition)
	}

	row.Status = status
	return &row, nil
}
