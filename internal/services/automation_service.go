package services

import (
	"context"
	"errors"
	"fmt"

	"controlhub/internal/models"

	"github.com/sirupsen/logrus"
)

// AutomationQuerier is the read side the dashboard needs on top of AutomationStore.
type AutomationQuerier interface {
	AutomationStore
	List(ctx context.Context, f AutomationFilter) ([]models.Automation, int64, error)
	CountByStatus(ctx context.Context, ownerID string) (map[models.RunStatus]int64, error)
}

// AutomationStats 仪表盘统计
type AutomationStats struct {
	Total    int64                      `json:"total"`
	ByStatus map[models.RunStatus]int64 `json:"byStatus"`
}

// AutomationService 自动化列表、详情、统计与单个 run/stop
type AutomationService struct {
	store  AutomationQuerier
	runner *BulkActionService
	audit  AuditSink
	logger *logrus.Logger
}

func NewAutomationService(store AutomationQuerier, runner *BulkActionService, audit AuditSink, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if audit == nil {
		audit = NopAuditSink{}
	}
	return &AutomationService{store: store, runner: runner, audit: audit, logger: logger}
}

// List returns callerID's automations; OwnerID in f is overwritten.
func (s *AutomationService) List(ctx context.Context, callerID string, f AutomationFilter) ([]models.Automation, int64, error) {
	f.OwnerID = callerID
	if f.Status != "" && !models.RunStatus(f.Status).Valid() {
		return nil, 0, fmt.Errorf("%w: unsupported status %q", ErrInvalidFilter, f.Status)
	}
	return s.store.List(ctx, f)
}

// Get 返回单个自动化；非本人返回 ErrAutomationForbidden
func (s *AutomationService) Get(ctx context.Context, id, callerID string) (*models.Automation, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != callerID {
		return nil, ErrAutomationForbidden
	}
	return a, nil
}

func (s *AutomationService) Stats(ctx context.Context, callerID string) (*AutomationStats, error) {
	counts, err := s.store.CountByStatus(ctx, callerID)
	if err != nil {
		return nil, err
	}
	stats := &AutomationStats{ByStatus: map[models.RunStatus]int64{
		models.RunStatusUnknown:   0,
		models.RunStatusRunning:   0,
		models.RunStatusCancelled: 0,
		models.RunStatusSuccess:   0,
		models.RunStatusError:     0,
	}}
	for status, n := range counts {
		stats.ByStatus[status] += n
		stats.Total += n
	}
	return stats, nil
}

// TriggerAction runs or stops one automation through the same per-item path
// the bulk endpoint uses, and audits it. Missing or foreign automations are
// returned as errors; later failures (no URL, webhook, store) are in the result.
func (s *AutomationService) TriggerAction(ctx context.Context, action, id, callerID string) (BulkActionItemResult, error) {
	act, err := ParseBulkAction(action)
	if err != nil {
		return BulkActionItemResult{}, err
	}
	if _, err := s.Get(ctx, id, callerID); err != nil {
		if errors.Is(err, ErrAutomationForbidden) {
			s.audit.Record(ctx, AuditEvent{
				UserID:       callerID,
				Action:       "automation_" + string(act),
				ResourceType: "automation",
				ResourceID:   id,
				Metadata:     map[string]interface{}{"action": string(act), "error": "forbidden"},
			})
		}
		return BulkActionItemResult{}, err
	}
	res := s.runner.RunItem(ctx, act, id, callerID)

	meta := map[string]interface{}{"action": string(act)}
	if res.WebhookStatus != 0 {
		meta["webhookStatus"] = res.WebhookStatus
	}
	if res.Error != "" {
		meta["error"] = res.Error
	}
	s.audit.Record(ctx, AuditEvent{
		UserID:       callerID,
		Action:       "automation_" + string(act),
		ResourceType: "automation",
		ResourceID:   id,
		Success:      res.Success,
		Metadata:     meta,
	})
	if !res.Success {
		s.logger.WithFields(logrus.Fields{
			"automation_id": id,
			"action":        act,
			"error":         res.Error,
		}).Warn("automation action failed")
	}
	return res, nil
}
