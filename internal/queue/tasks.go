package queue

import (
	"encoding/json"
	"strings"

	"github.com/payment-orchestrator/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskIntegrityAlert 一致性告警任务
	TaskIntegrityAlert = constants.TaskIntegrityAlert
	// TaskWebhookReprocess 回调事件重放任务
	TaskWebhookReprocess = constants.TaskWebhookReprocess
	// TaskRetentionPurge 台账清理任务
	TaskRetentionPurge = constants.TaskRetentionPurge
)

// IntegrityAlertPayload 一致性告警载荷
type IntegrityAlertPayload struct {
	Kind              string `json:"kind"` // payment_not_found / duplicate_provider_reference / capture_after_terminal
	Provider          string `json:"provider"`
	ProviderReference string `json:"provider_reference,omitempty"`
	ProviderEventID   string `json:"provider_event_id,omitempty"`
	PaymentID         string `json:"payment_id,omitempty"`
	EventType         string `json:"event_type,omitempty"`
	Message           string `json:"message,omitempty"`
}

func (p IntegrityAlertPayload) dedupeID() string {
	if p.ProviderEventID == "" {
		return ""
	}
	return strings.Join([]string{"alert", p.Kind, p.Provider, p.ProviderEventID}, ":")
}

// WebhookReprocessPayload 回调重放载荷
type WebhookReprocessPayload struct {
	WebhookEventID uint `json:"webhook_event_id"`
}

// RetentionPurgePayload 清理任务载荷
type RetentionPurgePayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewIntegrityAlertTask 创建告警任务
func NewIntegrityAlertTask(payload IntegrityAlertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityAlert, body), nil
}

// NewWebhookReprocessTask 创建回调重放任务
func NewWebhookReprocessTask(payload WebhookReprocessPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookReprocess, body), nil
}

// NewRetentionPurgeTask 创建清理任务
func NewRetentionPurgeTask(payload RetentionPurgePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetentionPurge, body), nil
}
