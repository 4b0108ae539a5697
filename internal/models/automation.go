package models

import "time"

// RunStatus 自动化最近一次运行状态
type RunStatus string

const (
	RunStatusUnknown   RunStatus = "unknown"
	RunStatusRunning   RunStatus = "running"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusUnknown, RunStatusRunning, RunStatusCancelled, RunStatusSuccess, RunStatusError:
		return true
	default:
		return false
	}
}

// Automation 用户拥有的 n8n 工作流配置（run/stop webhook）
type Automation struct {
	ID             string     `gorm:"primaryKey;size:64" json:"id"`
	OwnerID        string     `gorm:"index;not null;size:64" json:"ownerId"`
	Name           string     `gorm:"not null" json:"name"`
	Description    string     `gorm:"type:text" json:"description,omitempty"`
	RunWebhookURL  *string    `gorm:"type:text" json:"runWebhookUrl,omitempty"`
	StopWebhookURL *string    `gorm:"type:text" json:"stopWebhookUrl,omitempty"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus  RunStatus  `gorm:"index;size:16;default:unknown" json:"lastRunStatus"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// WebhookURL returns the configured URL for the given action ("run" or "stop").
func (a *Automation) WebhookURL(action string) (string, bool) {
	var u *string
	switch action {
	case "run":
		u = a.RunWebhookURL
	case "stop":
		u = a.StopWebhookURL
	}
	if u == nil || *u == "" {
		return "", false
	}
	return *u, true
}
