package handlers

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/facegate/backend/internal/middleware"
	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/services"
	"github.com/facegate/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AuditHandler struct {
	DB    *gorm.DB
	Audit *services.AuditService
}

func NewAuditHandler(db *gorm.DB, audit *services.AuditService) *AuditHandler {
	return &AuditHandler{DB: db, Audit: audit}
}

// List is the admin compliance view over the ledger.
func (h *AuditHandler) List(c *fiber.Ctx) error {
	p := utils.ParsePagination(c)

	query := services.AuditQuery{
		Action:  strings.TrimSpace(c.Query("action")),
		Outcome: strings.TrimSpace(c.Query("outcome")),
		Page:    p.Page,
		Limit:   p.Limit,
	}

	if raw := strings.TrimSpace(c.Query("userId")); raw != "" {
		userID, err := parseUUID(raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid userId filter")
		}
		query.UserID = &userID
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "since must be RFC3339")
		}
		query.Since = &since
	}
	if raw := strings.TrimSpace(c.Query("until")); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "until must be RFC3339")
		}
		query.Until = &until
	}

	logs, total, err := h.Audit.Query(query)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed querying audit log")
	}

	return utils.Paginated(c, logs, p.Page, p.Limit, total)
}

func (h *AuditHandler) ExportMyLog(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	format := strings.ToLower(strings.TrimSpace(c.Query("format", "csv")))
	if format != "csv" && format != "json" {
		return utils.Error(c, fiber.StatusBadRequest, "format must be csv or json")
	}

	var logs []models.AuditLog
	if err := h.DB.Where("user_id = ?", currentUser.ID).
		Order("created_at DESC").
		Limit(10000).
		Find(&logs).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit logs")
	}

	if format == "json" {
		c.Set("Content-Type", "application/json")
		c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-log.json"))
		return c.JSON(fiber.Map{"success": true, "data": logs})
	}

	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "audit-log.csv"))

	writer := csv.NewWriter(c.Response().BodyWriter())
	_ = writer.Write([]string{"Timestamp", "Action", "Resource Type", "Resource ID", "Outcome", "IP Address", "Details"})

	for _, row := range logs {
		resourceID := ""
		if row.ResourceID != nil {
			resourceID = row.ResourceID.String()
		}

		detailStr := ""
		if row.Details != nil {
			parts := make([]string, 0, len(row.Details))
			for k, v := range row.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			detailStr = strings.Join(parts, "; ")
		}

		_ = writer.Write([]string{
			row.CreatedAt.Format(time.RFC3339),
			row.Action,
			row.ResourceType,
			resourceID,
			row.Outcome,
			row.IPAddress,
			detailStr,
		})
	}

	writer.Flush()
	return nil
}

// ExportMyData serves the data-portability bundle: consent history,
// decision history and verification attempts in one document.
func (h *AuditHandler) ExportMyData(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	export, err := h.Audit.ExportForUser(currentUser.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed assembling export")
	}

	c.Set("Content-Type", "application/json")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q",
		fmt.Sprintf("facegate-export-%s.json", currentUser.ID)))
	return c.JSON(fiber.Map{"success": true, "data": export})
}

// Activities lists the user-visible notification feed rows.
func (h *AuditHandler) Activities(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	p := utils.ParsePagination(c)

	query := h.DB.Model(&models.Activity{}).Where("user_id = ?", currentUser.ID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed counting activities")
	}

	var activities []models.Activity
	if err := utils.ApplyPagination(query.Order("created_at DESC"), p).
		Find(&activities).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing activities")
	}

	return utils.Paginated(c, activities, p.Page, p.Limit, total)
}

func (h *AuditHandler) MarkActivityRead(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	activityID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid activity id")
	}

	result := h.DB.Model(&models.Activity{}).
		Where("id = ? AND user_id = ?", activityID, currentUser.ID).
		Update("is_read", true)
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed updating activity")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "activity not found")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"id": activityID, "isRead": true})
}
