package models

import "time"

// AuditLog 系统操作审计记录（只追加）
type AuditLog struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	UserID       string    `gorm:"index;size:64" json:"userId"`
	Action       string    `gorm:"index;size:64;not null" json:"action"`
	ResourceType string    `gorm:"size:64" json:"resourceType"`
	ResourceID   string    `gorm:"size:64" json:"resourceId,omitempty"`
	Success      bool      `json:"success"`
	Metadata     string    `gorm:"type:text" json:"metadata,omitempty"` // JSON
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}
