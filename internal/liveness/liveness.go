// Package liveness owns the challenge-response session lifecycle. A
// session is a short-lived, single-use credential: randomized challenge
// set, strict in-order acknowledgment, fixed TTL checked on every
// transition, and at most one successful consumption.
package liveness

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"hash/fnv"
	"math/big"
	"sync"
	"time"

	"github.com/facegate/backend/internal/config"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrOutOfSequence          = errors.New("challenge out of sequence")
	ErrSessionNotCompleted    = errors.New("session not completed")
	ErrSessionAlreadyConsumed = errors.New("session already consumed")
	ErrSessionFailed          = errors.New("session failed")
)

var instructions = map[models.ChallengeType]string{
	models.ChallengeBlink:         "Blink both eyes",
	models.ChallengeTurnHeadLeft:  "Turn your head to the left",
	models.ChallengeTurnHeadRight: "Turn your head to the right",
	models.ChallengeSmile:         "Smile",
	models.ChallengeNod:           "Nod your head",
}

var challengePool = []models.ChallengeType{
	models.ChallengeBlink,
	models.ChallengeTurnHeadLeft,
	models.ChallengeTurnHeadRight,
	models.ChallengeSmile,
	models.ChallengeNod,
}

const lockStripes = 64

type Service struct {
	db  *gorm.DB
	ttl time.Duration

	// Striped locks serialize concurrent acknowledgments for the same
	// session so index advancement is monotonic and never double-applied.
	locks [lockStripes]sync.Mutex
}

func NewService(db *gorm.DB, cfg config.LivenessConfig) *Service {
	return &Service{db: db, ttl: cfg.TTL}
}

func (s *Service) lock(sessionID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(sessionID[:])
	return &s.locks[h.Sum32()%lockStripes]
}

// Generate creates a session with count distinct challenge types drawn
// without replacement from the supported pool, in random order.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID, count int, method string) (*models.LivenessSession, error) {
	if count <= 0 || count > len(challengePool) {
		return nil, fmt.Errorf("%w: challenge count must be between 1 and %d", ErrInvalidParameter, len(challengePool))
	}

	types, err := drawChallenges(count)
	if err != nil {
		return nil, err
	}

	challenges := make([]models.ChallengeSpec, len(types))
	for i, t := range types {
		challenges[i] = models.ChallengeSpec{Type: t, Instruction: instructions[t]}
	}

	session := &models.LivenessSession{
		UserID:     userID,
		Method:     method,
		Challenges: challenges,
		State:      models.LivenessPending,
		ExpiresAt:  time.Now().UTC().Add(s.ttl),
	}

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}

	logger.Info("liveness_session_created", map[string]interface{}{
		"session_id": session.ID.String(),
		"user_id":    userID.String(),
		"challenges": len(challenges),
	})

	return session, nil
}

// Advance marks one challenge complete. The acknowledged index must
// equal the session's current index: no skipping, no re-ordering, no
// re-acknowledging. Expiry is checked here, on the transition, so a
// client that stalls past the TTL cannot rush the remaining challenges.
func (s *Service) Advance(ctx context.Context, sessionID uuid.UUID, index int) (models.LivenessState, error) {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return "", err
	}

	switch session.State {
	case models.LivenessExpired:
		return models.LivenessExpired, ErrSessionExpired
	case models.LivenessFailed:
		return models.LivenessFailed, ErrSessionFailed
	case models.LivenessCompleted:
		return models.LivenessCompleted, ErrOutOfSequence
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		if err := s.setState(ctx, session, models.LivenessExpired); err != nil {
			return "", err
		}
		return models.LivenessExpired, ErrSessionExpired
	}

	if index != session.CurrentIndex {
		return session.State, fmt.Errorf("%w: expected index %d, got %d", ErrOutOfSequence, session.CurrentIndex, index)
	}

	session.CurrentIndex++
	if session.CurrentIndex >= len(session.Challenges) {
		session.State = models.LivenessCompleted
	} else {
		session.State = models.LivenessInProgress
	}

	if err := s.db.WithContext(ctx).Model(session).
		Updates(map[string]interface{}{
			"current_index": session.CurrentIndex,
			"state":         session.State,
		}).Error; err != nil {
		return "", err
	}

	return session.State, nil
}

// Fail records an explicit challenge-validation failure reported by the
// capture collaborator, as opposed to a timeout. Terminal.
func (s *Service) Fail(ctx context.Context, sessionID uuid.UUID, reason string) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	switch session.State {
	case models.LivenessExpired:
		return ErrSessionExpired
	case models.LivenessCompleted:
		return ErrOutOfSequence
	case models.LivenessFailed:
		return nil
	}

	return s.db.WithContext(ctx).Model(session).
		Updates(map[string]interface{}{
			"state":       models.LivenessFailed,
			"fail_reason": reason,
		}).Error
}

func (s *Service) IsComplete(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return session.State == models.LivenessCompleted, nil
}

func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (*models.LivenessSession, error) {
	return s.load(ctx, sessionID)
}

// Consume spends a completed session on behalf of userID. The guarded
// UPDATE makes consumption single-use even across processes: only the
// request that flips consumed_at from NULL wins, every later attempt
// gets ErrSessionAlreadyConsumed.
func (s *Service) Consume(ctx context.Context, sessionID, userID uuid.UUID) error {
	mu := s.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.UserID != userID {
		return ErrSessionNotFound
	}

	if session.ConsumedAt != nil {
		return ErrSessionAlreadyConsumed
	}

	switch session.State {
	case models.LivenessExpired:
		return ErrSessionExpired
	case models.LivenessFailed:
		return ErrSessionFailed
	case models.LivenessCompleted:
	default:
		if time.Now().UTC().After(session.ExpiresAt) {
			if err := s.setState(ctx, session, models.LivenessExpired); err != nil {
				return err
			}
			return ErrSessionExpired
		}
		return ErrSessionNotCompleted
	}

	if time.Now().UTC().After(session.ExpiresAt) {
		// Completion does not outlive the TTL: a passed challenge is a
		// bounded-lifetime credential, not a permanent bypass.
		if err := s.setState(ctx, session, models.LivenessExpired); err != nil {
			return err
		}
		return ErrSessionExpired
	}

	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&models.LivenessSession{}).
		Where("id = ? AND consumed_at IS NULL", sessionID).
		Update("consumed_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionAlreadyConsumed
	}

	return nil
}

// SweepExpired is housekeeping only: expiry is always enforced on the
// transition path, the sweep just keeps abandoned rows from lingering
// in a non-terminal state.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.LivenessSession{}).
		Where("state IN ? AND expires_at < ?",
			[]models.LivenessState{models.LivenessPending, models.LivenessInProgress},
			time.Now().UTC()).
		Update("state", models.LivenessExpired)
	return result.RowsAffected, result.Error
}

// StartSweeper runs SweepExpired on a fixed cadence until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := s.SweepExpired(ctx)
				if err != nil {
					logger.Error("liveness_sweep_failed", err, nil)
				} else if swept > 0 {
					logger.Info("liveness_sweep", map[string]interface{}{"expired": swept})
				}
			}
		}
	}()
}

func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (*models.LivenessSession, error) {
	var session models.LivenessSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Service) setState(ctx context.Context, session *models.LivenessSession, state models.LivenessState) error {
	session.State = state
	return s.db.WithContext(ctx).Model(session).Update("state", state).Error
}

// drawChallenges picks count distinct types via a crypto/rand
// Fisher-Yates shuffle; both the set and its order vary per session.
func drawChallenges(count int) ([]models.ChallengeType, error) {
	pool := make([]models.ChallengeType, len(challengePool))
	copy(pool, challengePool)

	for i := len(pool) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		j := int(n.Int64())
		pool[i], pool[j] = pool[j], pool[i]
	}

	return pool[:count], nil
}
