package n8n

import (
	"time"
)

// Action 触发动作
type Action string

const (
	ActionRun  Action = "run"
	ActionStop Action = "stop"
)

// Config 客户端配置
type Config struct {
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:   30 * time.Second,
		UserAgent: "ControlHub-Webhook-Client/1.0",
	}
}

// TriggerRequest is the JSON body posted to a workflow webhook.
type TriggerRequest struct {
	Action       Action    `json:"action"`
	AutomationID string    `json:"automationId,omitempty"`
	TriggeredBy  string    `json:"triggeredBy,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TriggerResult is the normalized outcome of a webhook call that reached the receiver.
// Non-2xx responses are still results; only transport failures become errors.
type TriggerResult struct {
	Status      int                    `json:"status"`
	Data        map[string]interface{} `json:"data,omitempty"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// OK reports whether the receiver answered with a 2xx status.
func (r *TriggerResult) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
