package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/facegate/backend/internal/models"
	"github.com/facegate/backend/internal/storage"
	"github.com/facegate/backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditEntry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Outcome      string
	Details      map[string]interface{}
	IPAddress    string
	RequestID    string
	CorrectsID   *uuid.UUID
}

// AuditService is the append-only ledger. Record is synchronous on
// purpose: an authorization decision that cannot be audited must fail
// closed, so the write error has to reach the caller instead of dying
// in a background queue.
type AuditService struct {
	DB      *gorm.DB
	Storage *storage.MinIOClient
}

func NewAuditService(db *gorm.DB, storageClient *storage.MinIOClient) *AuditService {
	return &AuditService{DB: db, Storage: storageClient}
}

// Record appends one ledger entry and fans out user-visible activity
// rows. The entry insert propagates errors; the activity fan-out is
// best-effort notification plumbing and only logs.
func (s *AuditService) Record(entry AuditEntry) (*models.AuditLog, error) {
	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Outcome:      entry.Outcome,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		RequestID:    entry.RequestID,
		CorrectsID:   entry.CorrectsID,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.DB.Create(&row).Error; err != nil {
		logger.Error("audit_log_insert_failed", err, map[string]interface{}{
			"action": entry.Action,
		})
		return nil, err
	}

	s.generateActivities(row)
	return &row, nil
}

type AuditQuery struct {
	UserID   *uuid.UUID
	Action   string
	Outcome  string
	Since    *time.Time
	Until    *time.Time
	Page     int
	Limit    int
}

// Query is the read side for compliance dashboards. Entries come back
// newest first.
func (s *AuditService) Query(q AuditQuery) ([]models.AuditLog, int64, error) {
	query := s.DB.Model(&models.AuditLog{})

	if q.UserID != nil {
		query = query.Where("user_id = ?", *q.UserID)
	}
	if q.Action != "" {
		query = query.Where("action = ?", q.Action)
	}
	if q.Outcome != "" {
		query = query.Where("outcome = ?", q.Outcome)
	}
	if q.Since != nil {
		query = query.Where("created_at >= ?", *q.Since)
	}
	if q.Until != nil {
		query = query.Where("created_at < ?", *q.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	var logs []models.AuditLog
	err := query.Order("created_at DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&logs).Error
	return logs, total, err
}

// UserExport is the data-portability bundle: everything the ledger
// holds about one user's consent and decision history.
type UserExport struct {
	UserID         uuid.UUID                    `json:"userID"`
	GeneratedAt    time.Time                    `json:"generatedAt"`
	ConsentHistory []models.AuditLog            `json:"consentHistory"`
	Decisions      []models.AuditLog            `json:"decisions"`
	Attempts       []models.VerificationAttempt `json:"verificationAttempts"`
}

func (s *AuditService) ExportForUser(userID uuid.UUID) (*UserExport, error) {
	export := &UserExport{
		UserID:      userID,
		GeneratedAt: time.Now().UTC(),
	}

	if err := s.DB.Where("user_id = ? AND resource_type = ?", userID, "consent").
		Order("created_at ASC").
		Find(&export.ConsentHistory).Error; err != nil {
		return nil, err
	}

	if err := s.DB.Where("user_id = ? AND resource_type <> ?", userID, "consent").
		Order("created_at ASC").
		Limit(10000).
		Find(&export.Decisions).Error; err != nil {
		return nil, err
	}

	if err := s.DB.Where("user_id = ?", userID).
		Order("created_at ASC").
		Limit(10000).
		Find(&export.Attempts).Error; err != nil {
		return nil, err
	}

	return export, nil
}

// generateActivities turns audit entries tagged as user-visible into
// notification-feed rows for the dispatcher collaborator.
func (s *AuditService) generateActivities(entry models.AuditLog) {
	if entry.UserID == nil {
		return
	}

	var message string
	var resourceType string

	switch entry.Action {
	case "auth.login":
		if entry.Outcome != "allow" {
			return
		}
		message = "You signed in with face verification"
		resourceType = "user"
	case "auth.password_login":
		message = "You signed in with your password"
		resourceType = "user"
	case "face.enroll":
		if entry.Outcome != "allow" {
			return
		}
		message = "Face enrollment completed"
		resourceType = "face_profile"
	case "payments.pause":
		message = "Payments were paused on your account"
		resourceType = "user"
	case "payments.resume":
		message = "Payments were resumed on your account"
		resourceType = "user"
	case "consent.revoke":
		message = "Your biometric data was deleted"
		resourceType = "consent"
	case "authorize.pay":
		if entry.Outcome != "deny" {
			return
		}
		message = "A payment was declined by your security limits"
		resourceType = "payment_method"
	default:
		return
	}

	activity := models.Activity{
		UserID:       *entry.UserID,
		Action:       entry.Action,
		ResourceType: resourceType,
		ResourceID:   entry.ResourceID,
		Message:      message,
	}

	if err := s.DB.Create(&activity).Error; err != nil {
		logger.Error("activity_insert_failed", err, map[string]interface{}{
			"action": entry.Action,
		})
	}
}

// StartExporter runs a background goroutine that periodically ships new
// audit rows to object storage as NDJSON for long-term retention.
func (s *AuditService) StartExporter(ctx context.Context, interval time.Duration) {
	if s.Storage == nil {
		logger.Info("audit_exporter_disabled", map[string]interface{}{
			"reason": "no storage client configured",
		})
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.exportToObjectStore(ctx)
			}
		}
	}()

	logger.Info("audit_exporter_started", map[string]interface{}{
		"interval": interval.String(),
	})
}

func (s *AuditService) exportToObjectStore(ctx context.Context) {
	var cursor models.AuditExportCursor
	err := s.DB.First(&cursor).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			cursor = models.AuditExportCursor{
				LastExportAt: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
			}
			if createErr := s.DB.Create(&cursor).Error; createErr != nil {
				logger.Error("audit_export_cursor_create_failed", createErr, nil)
				return
			}
		} else {
			logger.Error("audit_export_cursor_load_failed", err, nil)
			return
		}
	}

	var logs []models.AuditLog
	if err := s.DB.Where("created_at > ?", cursor.LastExportAt).
		Order("created_at ASC").
		Limit(10000).
		Find(&logs).Error; err != nil {
		logger.Error("audit_export_query_failed", err, nil)
		return
	}

	if len(logs) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range logs {
		if err := enc.Encode(row); err != nil {
			logger.Error("audit_export_encode_failed", err, map[string]interface{}{
				"log_id": row.ID.String(),
			})
			continue
		}
	}

	now := time.Now().UTC()
	objectName := fmt.Sprintf("audit-logs/%s/%s.ndjson",
		now.Format("2006/01/02"),
		now.Format("15-04-05"),
	)

	if err := s.Storage.Upload(
		ctx,
		objectName,
		&buf,
		int64(buf.Len()),
		"application/x-ndjson",
	); err != nil {
		logger.Error("audit_export_upload_failed", err, map[string]interface{}{
			"object_name": objectName,
			"count":       len(logs),
		})
		return
	}

	lastCreatedAt := logs[len(logs)-1].CreatedAt
	s.DB.Model(&cursor).Updates(map[string]interface{}{
		"last_export_at": lastCreatedAt,
		"exported_count": gorm.Expr("exported_count + ?", len(logs)),
	})

	logger.Info("audit_export_success", map[string]interface{}{
		"object_name": objectName,
		"count":       len(logs),
	})
}
