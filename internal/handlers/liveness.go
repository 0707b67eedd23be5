package handlers

import (
	"errors"

	"github.com/facegate/backend/internal/liveness"
	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type LivenessHandler struct {
	Liveness     *liveness.Service
	DefaultCount int
}

func NewLivenessHandler(livenessSvc *liveness.Service, defaultCount int) *LivenessHandler {
	return &LivenessHandler{Liveness: livenessSvc, DefaultCount: defaultCount}
}

type generateChallengesRequest struct {
	Count  int    `json:"count"`
	Method string `json:"method"`
}

func (h *LivenessHandler) Generate(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req generateChallengesRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Count == 0 {
		req.Count = h.DefaultCount
	}
	if req.Method == "" {
		req.Method = "camera"
	}

	session, err := h.Liveness.Generate(c.Context(), user.ID, req.Count, req.Method)
	if err != nil {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"sessionId":  session.ID,
		"challenges": session.Challenges,
		"expiresAt":  session.ExpiresAt,
	})
}

func (h *LivenessHandler) Acknowledge(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}

	index, err := c.ParamsInt("index")
	if err != nil || index < 0 {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challenge index")
	}

	session, err := h.Liveness.Get(c.Context(), sessionID)
	if err != nil {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}
	if session.UserID != user.ID {
		return utils.Error(c, fiber.StatusNotFound, "session not found")
	}

	state, err := h.Liveness.Advance(c.Context(), sessionID, index)
	if err != nil {
		switch {
		case errors.Is(err, liveness.ErrSessionExpired):
			return utils.Error(c, fiber.StatusGone, "session expired")
		case errors.Is(err, liveness.ErrOutOfSequence):
			return utils.Error(c, fiber.StatusConflict, err.Error())
		case errors.Is(err, liveness.ErrSessionFailed):
			return utils.Error(c, fiber.StatusGone, "session failed")
		default:
			status, message := errorStatus(err)
			return utils.Error(c, status, message)
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"state": state})
}

type failChallengeRequest struct {
	Reason string `json:"reason"`
}

// Fail lets the capture collaborator report an explicit validation
// failure (wrong gesture, spoof suspicion) as opposed to a timeout.
func (h *LivenessHandler) Fail(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}

	var req failChallengeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	session, err := h.Liveness.Get(c.Context(), sessionID)
	if err != nil {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}
	if session.UserID != user.ID {
		return utils.Error(c, fiber.StatusNotFound, "session not found")
	}

	if err := h.Liveness.Fail(c.Context(), sessionID, req.Reason); err != nil {
		switch {
		case errors.Is(err, liveness.ErrSessionExpired):
			return utils.Error(c, fiber.StatusGone, "session expired")
		case errors.Is(err, liveness.ErrOutOfSequence):
			return utils.Error(c, fiber.StatusConflict, "session already completed")
		default:
			status, message := errorStatus(err)
			return utils.Error(c, status, message)
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"state": "failed"})
}

func (h *LivenessHandler) Get(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}

	session, err := h.Liveness.Get(c.Context(), sessionID)
	if err != nil {
		status, message := errorStatus(err)
		return utils.Error(c, status, message)
	}
	if session.UserID != user.ID {
		return utils.Error(c, fiber.StatusNotFound, "session not found")
	}

	return utils.Success(c, fiber.StatusOK, session)
}
