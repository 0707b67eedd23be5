package handlers

import (
	"errors"
	"strings"

	"github.com/facegate/backend/internal/authz"
	"github.com/facegate/backend/internal/guard"
	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/matcher"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func requestID(c *fiber.Ctx) string {
	return c.Get("X-Request-ID")
}

// errorStatus maps component sentinels onto HTTP statuses for paths
// where no decision was produced.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, authz.ErrInvalidParameter), errors.Is(err, liveness.ErrInvalidParameter),
		errors.Is(err, guard.ErrInvalidAmount):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, authz.ErrUserNotFound):
		return fiber.StatusNotFound, "user not found"
	case errors.Is(err, liveness.ErrSessionNotFound):
		return fiber.StatusNotFound, "session not found"
	case errors.Is(err, guard.ErrPaymentMethodNotFound):
		return fiber.StatusNotFound, "payment method not found"
	case errors.Is(err, guard.ErrTransactionNotFound):
		return fiber.StatusNotFound, "transaction not found"
	case errors.Is(err, guard.ErrInvalidTransition):
		return fiber.StatusConflict, err.Error()
	case errors.Is(err, matcher.ErrIncompatibleEmbedding):
		return fiber.StatusUnprocessableEntity, "incompatible embedding"
	case errors.Is(err, authz.ErrAuditWriteFailed):
		return fiber.StatusInternalServerError, "authorization could not be audited"
	default:
		return fiber.StatusInternalServerError, "internal error"
	}
}

// reasonMessage pairs wire reason codes with operator-readable text.
func reasonMessage(reason string) string {
	switch reason {
	case authz.ReasonPaymentsPaused:
		return "payments are paused on this account"
	case authz.ReasonNoMatch:
		return "face not recognized"
	case authz.ReasonLimitExceeded:
		return "a transaction limit was exceeded"
	case authz.ReasonMethodInactive:
		return "payment method is not active"
	case authz.ReasonSessionExpired:
		return "liveness session expired, request new challenges"
	case authz.ReasonSessionNotCompleted:
		return "liveness challenges are not complete"
	case authz.ReasonSessionFailed:
		return "liveness check failed"
	case authz.ReasonSessionAlreadyConsumed:
		return "liveness session was already used"
	case authz.ReasonIncompatibleEmbedding:
		return "embedding is not compatible with the enrolled profile"
	case authz.ReasonDuplicateFace:
		return "face is already enrolled on another account"
	case authz.ReasonStepUpRequired:
		return "additional authentication required for this amount"
	default:
		return ""
	}
}
