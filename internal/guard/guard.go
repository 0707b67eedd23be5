// Package guard enforces per-payment-method transaction-frequency and
// daily-spend limits. The check-and-reserve sequence is the one place
// in the system where cross-request mutual exclusion is a correctness
// requirement: counters are read and the pending reservation inserted
// under a per-method lock wrapped around a single DB transaction, so
// two concurrent requests can never both observe room under a limit.
package guard

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/facegate/backend/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
)

// ReasonMethodInactive is the denial text for a method whose status is
// not active. Callers match on it to tell a switched-off method apart
// from an exhausted limit.
const ReasonMethodInactive = "payment method is not active"

// Decision carries the guard verdict plus the counters it was based
// on. Amounts are minor units (cents) throughout; limits are stored
// and compared in the same unit so there is no floating-point drift.
type Decision struct {
	Allowed         bool       `json:"allowed"`
	Reason          string     `json:"reason,omitempty"`
	CurrentCount    int        `json:"currentCount"`
	Limit           int        `json:"limit"`
	DailyTotalCents int64      `json:"dailyTotalCents"`
	DailyLimitCents int64      `json:"dailyLimitCents"`
	ResetAt         *time.Time `json:"resetAt,omitempty"`
	RiskScore       float64    `json:"riskScore,omitempty"`
}

const lockStripes = 64

type Service struct {
	db    *gorm.DB
	locks [lockStripes]sync.Mutex
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) lock(methodID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(methodID[:])
	return &s.locks[h.Sum32()%lockStripes]
}

// CheckAndReserve runs both limit checks and, when they pass, inserts
// the pending Transaction row in the same DB transaction. The returned
// Transaction is non-nil only when the decision is allowed. Transient
// store errors abort the whole sequence; nothing is partially applied.
func (s *Service) CheckAndReserve(ctx context.Context, methodID, userID uuid.UUID, amountCents int64) (Decision, *models.Transaction, error) {
	if amountCents <= 0 {
		return Decision{}, nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidAmount, amountCents)
	}

	mu := s.lock(methodID)
	mu.Lock()
	defer mu.Unlock()

	var decision Decision
	var reservation *models.Transaction

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		method, err := loadMethod(tx, methodID)
		if err != nil {
			return err
		}

		d, err := evaluate(tx, method, amountCents)
		if err != nil {
			return err
		}
		decision = d

		if !decision.Allowed {
			return nil
		}

		row := &models.Transaction{
			PaymentMethodID: method.ID,
			UserID:          userID,
			AmountCents:     amountCents,
			Status:          models.TransactionPending,
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		reservation = row
		return nil
	})
	if err != nil {
		return Decision{}, nil, err
	}

	return decision, reservation, nil
}

// Status answers GET frequencyStatus: the current counters without
// reserving anything. Read-only, so no lock is taken.
func (s *Service) Status(ctx context.Context, methodID uuid.UUID) (Decision, error) {
	tx := s.db.WithContext(ctx)
	method, err := loadMethod(tx, methodID)
	if err != nil {
		return Decision{}, err
	}

	// Probe with the smallest possible charge: canPay means a 1-cent
	// transaction would be allowed right now.
	return evaluate(tx, method, 1)
}

func loadMethod(tx *gorm.DB, methodID uuid.UUID) (*models.PaymentMethod, error) {
	var method models.PaymentMethod
	if err := tx.First(&method, "id = ?", methodID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &method, nil
}

func evaluate(tx *gorm.DB, method *models.PaymentMethod, amountCents int64) (Decision, error) {
	now := time.Now()

	decision := Decision{
		Limit:           method.MaxTransactionsPerPeriod,
		DailyLimitCents: method.DailyLimitCents,
	}

	if method.Status != models.PaymentMethodActive {
		decision.Reason = ReasonMethodInactive
		return decision, nil
	}

	windowStart := now.Add(-time.Duration(method.PeriodMinutes) * time.Minute)

	var count int64
	err := tx.Model(&models.Transaction{}).
		Where("payment_method_id = ? AND status IN ? AND created_at >= ?",
			method.ID,
			[]models.TransactionStatus{models.TransactionPending, models.TransactionSucceeded},
			windowStart).
		Count(&count).Error
	if err != nil {
		return Decision{}, err
	}
	decision.CurrentCount = int(count)

	midnight := localMidnight(now)

	var dailyTotal int64
	err = tx.Model(&models.Transaction{}).
		Where("payment_method_id = ? AND status = ? AND created_at >= ?",
			method.ID, models.TransactionSucceeded, midnight).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&dailyTotal).Error
	if err != nil {
		return Decision{}, err
	}
	decision.DailyTotalCents = dailyTotal

	if int(count) >= method.MaxTransactionsPerPeriod {
		resetAt, err := windowResetAt(tx, method, windowStart)
		if err != nil {
			return Decision{}, err
		}
		decision.Reason = fmt.Sprintf(
			"transaction frequency limit reached: %d of %d in the last %d minutes",
			count, method.MaxTransactionsPerPeriod, method.PeriodMinutes)
		decision.ResetAt = resetAt
		decision.RiskScore = riskScore(decision, amountCents)
		return decision, nil
	}

	if dailyTotal+amountCents > method.DailyLimitCents {
		nextMidnight := midnight.AddDate(0, 0, 1)
		decision.Reason = fmt.Sprintf(
			"daily spending limit exceeded: %s spent + %s requested > %s limit",
			formatCents(dailyTotal), formatCents(amountCents), formatCents(method.DailyLimitCents))
		decision.ResetAt = &nextMidnight
		decision.RiskScore = riskScore(decision, amountCents)
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// windowResetAt is when the oldest transaction still inside the sliding
// window falls out of it, freeing a slot.
func windowResetAt(tx *gorm.DB, method *models.PaymentMethod, windowStart time.Time) (*time.Time, error) {
	var oldest models.Transaction
	err := tx.Where("payment_method_id = ? AND status IN ? AND created_at >= ?",
		method.ID,
		[]models.TransactionStatus{models.TransactionPending, models.TransactionSucceeded},
		windowStart).
		Order("created_at ASC").
		First(&oldest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	resetAt := oldest.CreatedAt.Add(time.Duration(method.PeriodMinutes) * time.Minute)
	return &resetAt, nil
}

// riskScore tags a denial with a fraud signal in [0, 1]: how hard the
// request pushes against the frequency window and the daily cap.
// Repeated denials surface in the audit ledger with rising scores.
func riskScore(d Decision, amountCents int64) float64 {
	var velocity float64
	if d.Limit > 0 {
		velocity = float64(d.CurrentCount) / float64(d.Limit)
	}

	var burn float64
	if d.DailyLimitCents > 0 {
		burn = float64(d.DailyTotalCents+amountCents) / float64(d.DailyLimitCents)
	}

	score := 0.6*velocity + 0.4*burn
	if score > 1 {
		score = 1
	}
	return score
}

func localMidnight(now time.Time) time.Time {
	local := now.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
