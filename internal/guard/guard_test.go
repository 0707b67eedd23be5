package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/facegate/backend/internal/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupGuardTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(&models.PaymentMethod{}, &models.Transaction{}); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	return db
}

func createTestMethod(t *testing.T, db *gorm.DB, maxPerPeriod int, dailyLimitCents int64) *models.PaymentMethod {
	t.Helper()
	method := &models.PaymentMethod{
		UserID:                   uuid.New(),
		Label:                    "Visa ending 4242",
		GatewayToken:             "tok_test",
		MaxTransactionsPerPeriod: maxPerPeriod,
		PeriodMinutes:            60,
		DailyLimitCents:          dailyLimitCents,
		AutoApproveCeilingCents:  10000,
		Status:                   models.PaymentMethodActive,
	}
	if err := db.Create(method).Error; err != nil {
		t.Fatalf("failed creating payment method: %v", err)
	}
	return method
}

func TestCheckAndReserve_AllowsAndInsertsPendingRow(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 5, 50000)

	decision, reservation, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 1500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}
	if reservation == nil {
		t.Fatal("expected a reservation row")
	}

	var row models.Transaction
	if err := db.First(&row, "id = ?", reservation.ID).Error; err != nil {
		t.Fatalf("reservation row missing: %v", err)
	}
	if row.Status != models.TransactionPending {
		t.Fatalf("expected pending reservation, got %s", row.Status)
	}
	if row.AmountCents != 1500 {
		t.Fatalf("expected 1500 cents, got %d", row.AmountCents)
	}
}

func TestCheckAndReserve_FrequencyLimit(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 2, 50000)

	for i := 0; i < 2; i++ {
		decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
		if err != nil {
			t.Fatalf("reservation %d failed: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("reservation %d unexpectedly denied: %+v", i, decision)
		}
	}

	decision, reservation, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("third transaction must be denied, got %+v", decision)
	}
	if reservation != nil {
		t.Fatal("denied request must not reserve")
	}
	if decision.CurrentCount != 2 {
		t.Fatalf("expected count 2, got %d", decision.CurrentCount)
	}
	if decision.ResetAt == nil {
		t.Fatal("denial must carry resetAt")
	}
	if decision.RiskScore <= 0 {
		t.Fatalf("denial must carry a risk score, got %f", decision.RiskScore)
	}
}

func TestCheckAndReserve_PendingRowsCountTowardFrequency(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 1, 50000)

	if decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100); err != nil || !decision.Allowed {
		t.Fatalf("first reservation failed: %+v %v", decision, err)
	}

	// The first row is still pending, not settled. It must occupy the slot.
	decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("pending reservation must count against the window")
	}
}

func TestCheckAndReserve_DailyCap(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 100, 50000) // $500.00 daily cap

	// $480.00 already settled today.
	spent := &models.Transaction{
		PaymentMethodID: method.ID,
		UserID:          method.UserID,
		AmountCents:     48000,
		Status:          models.TransactionSucceeded,
	}
	if err := db.Create(spent).Error; err != nil {
		t.Fatalf("failed seeding settled transaction: %v", err)
	}

	// $25.00 would breach the cap.
	decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 2500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected daily-cap denial, got %+v", decision)
	}
	if decision.DailyTotalCents != 48000 {
		t.Fatalf("expected daily total 48000, got %d", decision.DailyTotalCents)
	}
	if decision.ResetAt == nil || !decision.ResetAt.After(time.Now()) {
		t.Fatalf("daily-cap denial must reset at next midnight, got %v", decision.ResetAt)
	}

	// $20.00 still fits exactly.
	decision, reservation, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("amount inside the cap must be allowed, got %+v", decision)
	}
	if reservation == nil {
		t.Fatal("expected a reservation row")
	}
}

func TestCheckAndReserve_InactiveMethodDenied(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 5, 50000)

	if err := db.Model(method).Update("status", models.PaymentMethodDisabled).Error; err != nil {
		t.Fatalf("failed disabling method: %v", err)
	}

	decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("disabled method must be denied")
	}
	if decision.Reason != ReasonMethodInactive {
		t.Fatalf("expected inactive-method reason, got %q", decision.Reason)
	}
}

func TestCheckAndReserve_RejectsNonPositiveAmount(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 5, 50000)

	for _, amount := range []int64{0, -100} {
		_, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, amount)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestCheckAndReserve_UnknownMethod(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)

	_, _, err := svc.CheckAndReserve(context.Background(), uuid.New(), uuid.New(), 100)
	if !errors.Is(err, ErrPaymentMethodNotFound) {
		t.Fatalf("expected ErrPaymentMethodNotFound, got %v", err)
	}
}

// Hammer one method from many goroutines: the per-method critical
// section must keep approvals at or under the frequency limit no
// matter the interleaving.
func TestCheckAndReserve_ConcurrentRequestsRespectLimit(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 3, 1000000)

	const attempts = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if decision.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 3 {
		t.Fatalf("expected exactly 3 approvals under limit 3, got %d", allowed)
	}

	var count int64
	if err := db.Model(&models.Transaction{}).
		Where("payment_method_id = ?", method.ID).
		Count(&count).Error; err != nil {
		t.Fatalf("failed counting reservations: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected exactly 3 reservation rows, got %d", count)
	}
}

func TestStatus_ReportsCountersWithoutReserving(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 2, 50000)

	if _, _, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}

	status, err := svc.Status(context.Background(), method.ID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.CurrentCount != 1 {
		t.Fatalf("expected count 1, got %d", status.CurrentCount)
	}
	if !status.Allowed {
		t.Fatal("one slot left, canPay must be true")
	}

	var count int64
	if err := db.Model(&models.Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("failed counting rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("status probe must not reserve, got %d rows", count)
	}
}

func TestSettle_Transitions(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 5, 50000)

	_, reservation, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
	if err != nil {
		t.Fatalf("reservation failed: %v", err)
	}

	row, err := svc.Settle(context.Background(), reservation.ID, models.TransactionSucceeded)
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if row.Status != models.TransactionSucceeded {
		t.Fatalf("expected succeeded, got %s", row.Status)
	}

	// Terminal rows never change again.
	if _, err := svc.Settle(context.Background(), reservation.ID, models.TransactionFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-settle, got %v", err)
	}
}

func TestSettle_RejectsBadInputs(t *testing.T) {
	db := setupGuardTestDB(t)
	svc := NewService(db)
	method := createTestMethod(t, db, 5, 50000)

	_, reservation, err := svc.CheckAndReserve(context.Background(), method.ID, method.UserID, 100)
	if err != nil {
		t.Fatalf("reservation failed: %v", err)
	}

	if _, err := svc.Settle(context.Background(), reservation.ID, models.TransactionPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending target, got %v", err)
	}

	if _, err := svc.Settle(context.Background(), uuid.New(), models.TransactionSucceeded); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
