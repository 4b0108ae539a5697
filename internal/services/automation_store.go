package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"controlhub/internal/models"

	"gorm.io/gorm"
)

// AutomationStore is the sole mutation point for run/stop bookkeeping fields.
type AutomationStore interface {
	GetByID(ctx context.Context, id string) (*models.Automation, error)
	Update(ctx context.Context, id string, upd AutomationUpdate) (*models.Automation, error)
}

// AutomationUpdate 部分更新；nil 字段保持不变
type AutomationUpdate struct {
	LastRunAt     *time.Time
	LastRunStatus *models.RunStatus
}

func (u AutomationUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.LastRunAt != nil {
		cols["last_run_at"] = *u.LastRunAt
	}
	if u.LastRunStatus != nil {
		cols["last_run_status"] = *u.LastRunStatus
	}
	return cols
}

// AutomationFilter 列表筛选/排序/分页参数
type AutomationFilter struct {
	OwnerID  string
	Status   string
	Search   string
	SortBy   string
	Order    string
	Page     int
	PageSize int
}

var sortableColumns = map[string]string{
	"name":            "name",
	"created_at":      "created_at",
	"createdAt":       "created_at",
	"last_run_at":     "last_run_at",
	"lastRunAt":       "last_run_at",
	"last_run_status": "last_run_status",
	"lastRunStatus":   "last_run_status",
}

func (f *AutomationFilter) normalize() {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	if _, ok := sortableColumns[f.SortBy]; !ok {
		f.SortBy = "created_at"
	}
	if !strings.EqualFold(f.Order, "asc") {
		f.Order = "desc"
	} else {
		f.Order = "asc"
	}
}

// GormAutomationStore AutomationStore 的 Postgres(gorm) 实现
type GormAutomationStore struct {
	db *gorm.DB
}

func NewGormAutomationStore(db *gorm.DB) *GormAutomationStore {
	return &GormAutomationStore{db: db}
}

func (s *GormAutomationStore) GetByID(ctx context.Context, id string) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("load automation %s: %w", id, err)
	}
	return &a, nil
}

func (s *GormAutomationStore) Update(ctx context.Context, id string, upd AutomationUpdate) (*models.Automation, error) {
	cols := upd.columns()
	if len(cols) == 0 {
		return s.GetByID(ctx, id)
	}
	res := s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return nil, fmt.Errorf("update automation %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAutomationNotFound
	}
	return s.GetByID(ctx, id)
}

// List returns one page of the owner's automations and the total match count.
func (s *GormAutomationStore) List(ctx context.Context, f AutomationFilter) ([]models.Automation, int64, error) {
	f.normalize()
	q := s.db.WithContext(ctx).Model(&models.Automation{}).Where("owner_id = ?", f.OwnerID)
	if f.Status != "" {
		q = q.Where("last_run_status = ?", f.Status)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		like := "%" + strings.ToLower(term) + "%"
		q = q.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count automations: %w", err)
	}

	var items []models.Automation
	err := q.Order(sortableColumns[f.SortBy] + " " + f.Order).
		Order("id ASC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list automations: %w", err)
	}
	return items, total, nil
}

// CountByStatus 统计各运行状态数量
func (s *GormAutomationStore) CountByStatus(ctx context.Context, ownerID string) (map[models.RunStatus]int64, error) {
	var rows []struct {
		LastRunStatus string
		Count         int64
	}
	err := s.db.WithContext(ctx).Model(&models.Automation{}).
		Select("last_run_status, COUNT(*) AS count").
		Where("owner_id = ?", ownerID).
		Group("last_run_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count automations by status: %w", err)
	}
	out := make(map[models.RunStatus]int64, len(rows))
	for _, r := range rows {
		status := models.RunStatus(r.LastRunStatus)
		if status == "" {
			status = models.RunStatusUnknown
		}
		out[status] += r.Count
	}
	return out, nil
}
