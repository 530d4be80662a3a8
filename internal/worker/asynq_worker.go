package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/provider"
	"github.com/payment-orchestrator/internal/queue"
	"github.com/payment-orchestrator/internal/service"

	"github.com/hibiken/asynq"
)

// Consumer 异步任务消费者
type Consumer struct {
	*provider.Container
	now func() time.Time
}

// NewConsumer 创建消费者
func NewConsumer(c *provider.Container) *Consumer {
	return &Consumer{
		Container: c,
		now:       time.Now,
	}
}

// Register 注册消费者
func (c *Consumer) Register(mux *asynq.ServeMux) {
	if c == nil || mux == nil {
		logger.Debugw("worker_register_skip_nil", "consumer_nil", c == nil, "mux_nil", mux == nil)
		return
	}
	mux.HandleFunc(queue.TaskIntegrityAlert, c.handleIntegrityAlert)
	mux.HandleFunc(queue.TaskWebhookReprocess, c.handleWebhookReprocess)
	mux.HandleFunc(queue.TaskRetentionPurge, c.handleRetentionPurge)
}

// handleIntegrityAlert 告警写入事件流，写失败交给 asynq 重试
func (c *Consumer) handleIntegrityAlert(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_integrity_alert_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.IntegrityAlertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_integrity_alert_unmarshal_failed", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.Kind == "" {
		logger.Debugw("worker_integrity_alert_skip_invalid_payload")
		return nil
	}
	if c.Publisher == nil {
		logger.Warnw("worker_integrity_alert_skip_publisher_nil", "alert_kind", payload.Kind)
		return nil
	}
	err := c.Publisher.PublishAlert(ctx, events.Alert{
		Kind:              payload.Kind,
		Provider:          payload.Provider,
		ProviderReference: payload.ProviderReference,
		ProviderEventID:   payload.ProviderEventID,
		PaymentID:         payload.PaymentID,
		Message:           payload.Message,
		OccurredAt:        c.now(),
	})
	if err != nil {
		logger.Warnw("worker_integrity_alert_publish_failed",
			"alert_kind", payload.Kind,
			"provider", payload.Provider,
			"provider_event_id", payload.ProviderEventID,
			"error", err,
		)
		return err
	}
	return nil
}

// handleWebhookReprocess 重放回调台账中的事件。
// 失败时 Reconciler 自己负责排下一次重放或告警，这里不再让 asynq 重试。
func (c *Consumer) handleWebhookReprocess(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_webhook_reprocess_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.WebhookReprocessPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logger.Warnw("worker_webhook_reprocess_unmarshal_failed", "error", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.WebhookEventID == 0 {
		logger.Debugw("worker_webhook_reprocess_skip_invalid_payload")
		return nil
	}
	if c.Reconciler == nil {
		logger.Warnw("worker_webhook_reprocess_skip_reconciler_nil", "webhook_event_id", payload.WebhookEventID)
		return nil
	}
	result, err := c.Reconciler.ReprocessEvent(ctx, payload.WebhookEventID)
	if err != nil {
		appErr := service.AsError(err)
		logger.Warnw("worker_webhook_reprocess_failed",
			"webhook_event_id", payload.WebhookEventID,
			"error_code", appErr.Code,
			"error", appErr,
		)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, appErr)
	}
	logger.Infow("worker_webhook_reprocessed",
		"webhook_event_id", payload.WebhookEventID,
		"outcome", result.Outcome,
		"payment_id", result.PaymentID,
	)
	return nil
}

func (c *Consumer) handleRetentionPurge(ctx context.Context, task *asynq.Task) error {
	if c == nil || task == nil {
		logger.Debugw("worker_retention_purge_skip_nil", "consumer_nil", c == nil, "task_nil", task == nil)
		return nil
	}
	var payload queue.RetentionPurgePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logger.Warnw("worker_retention_purge_unmarshal_failed", "error", err)
		}
	}
	return c.purge(ctx, payload.Reason)
}

func (c *Consumer) purge(ctx context.Context, reason string) error {
	if c.Purger == nil {
		logger.Warnw("worker_retention_purge_skip_purger_nil")
		return nil
	}
	report, err := c.Purger.Purge(ctx)
	if err != nil {
		logger.Warnw("worker_retention_purge_failed", "reason", reason, "error", err)
		return err
	}
	logger.Infow("worker_retention_purged",
		"reason", reason,
		"idempotency_records", report.IdempotencyRecords,
		"webhook_events", report.WebhookEvents,
	)
	return nil
}
