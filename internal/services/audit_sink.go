package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"controlhub/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditEvent 一条待记录的审计事件
type AuditEvent struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Success      bool
	Metadata     map[string]interface{}
}

// AuditSink records events without blocking or failing the caller.
type AuditSink interface {
	Record(ctx context.Context, evt AuditEvent)
}

// NopAuditSink discards every event.
type NopAuditSink struct{}

func (NopAuditSink) Record(context.Context, AuditEvent) {}

// GormAuditSink 异步写入 audit_logs 表，失败只记录日志
type GormAuditSink struct {
	db      *gorm.DB
	logger  *logrus.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewGormAuditSink(db *gorm.DB, logger *logrus.Logger, timeout time.Duration) *GormAuditSink {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GormAuditSink{db: db, logger: logger, timeout: timeout, now: time.Now}
}

func (s *GormAuditSink) Record(ctx context.Context, evt AuditEvent) {
	entry := &models.AuditLog{
		ID:           uuid.NewString(),
		UserID:       evt.UserID,
		Action:       evt.Action,
		ResourceType: evt.ResourceType,
		ResourceID:   evt.ResourceID,
		Success:      evt.Success,
		CreatedAt:    s.now().UTC(),
	}
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			s.logger.WithError(err).WithField("action", evt.Action).Warn("audit: metadata not serializable")
		} else {
			entry.Metadata = string(raw)
		}
	}

	// detached from the request: the caller may already have returned
	writeCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(writeCtx, s.timeout)
		defer cancel()
		if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action":  entry.Action,
				"user_id": entry.UserID,
			}).Warn("audit: write failed")
		}
	}()
}

// LogSystemAction is the collaborator-style entry point used by handlers.
func (s *GormAuditSink) LogSystemAction(ctx context.Context, userID, action, resourceType, resourceID string, success bool, metadata map[string]interface{}) {
	s.Record(ctx, AuditEvent{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Success:      success,
		Metadata:     metadata,
	})
}

// Wait blocks until in-flight writes finish or ctx expires.
func (s *GormAuditSink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List 查询用户的审计记录（按时间倒序）
func (s *GormAuditSink) List(ctx context.Context, userID, action string, page, pageSize int) ([]models.AuditLog, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&models.AuditLog{}).Where("user_id = ?", userID)
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}
	var logs []models.AuditLog
	if err := q.Order("created_at DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, total, nil
}
