package service

import (
	"context"
	"sync"
	"time"

	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/queue"
)

// 告警类型
const (
	AlertPaymentNotFound        = "payment_not_found"
	AlertDuplicateProviderRef   = "duplicate_provider_reference"
	AlertCaptureAfterTerminal   = "capture_after_terminal"
	AlertRefundExceedsCaptured  = "refund_exceeds_captured"
	AlertWebhookAttemptsExhaust = "webhook_attempts_exhausted"
	AlertOrphanedAuthorization  = "orphaned_authorization"
	AlertRefundAfterCancel      = "refund_completed_after_cancel"
)

// IntegrityAlert 一致性异常
type IntegrityAlert struct {
	Kind              string
	Provider          string
	ProviderReference string
	ProviderEventID   string
	PaymentID         string
	EventType         string
	Message           string
}

// AlertSink 告警出口，不得静默丢弃
type AlertSink interface {
	Raise(ctx context.Context, alert IntegrityAlert)
}

// QueueAlertSink 优先投递到队列由 worker 消费，队列不可用时直接写事件流
type QueueAlertSink struct {
	queue     *queue.Client
	publisher events.Publisher
}

// NewQueueAlertSink 创建告警出口
func NewQueueAlertSink(queueClient *queue.Client, publisher events.Publisher) *QueueAlertSink {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &QueueAlertSink{queue: queueClient, publisher: publisher}
}

// Raise 记录并投递告警
func (s *QueueAlertSink) Raise(ctx context.Context, alert IntegrityAlert) {
	log := paymentLogger(
		"alert_kind", alert.Kind,
		"provider", alert.Provider,
		"provider_reference", alert.ProviderReference,
		"provider_event_id", alert.ProviderEventID,
		"payment_id", alert.PaymentID,
	)
	log.Errorw("payment_integrity_alert", "event_type", alert.EventType, "message", alert.Message)

	if s.queue.Enabled() {
		err := s.queue.EnqueueIntegrityAlert(queue.IntegrityAlertPayload{
			Kind:              alert.Kind,
			Provider:          alert.Provider,
			ProviderReference: alert.ProviderReference,
			ProviderEventID:   alert.ProviderEventID,
			PaymentID:         alert.PaymentID,
			EventType:         alert.EventType,
			Message:           alert.Message,
		})
		if err == nil {
			return
		}
		log.Warnw("payment_integrity_alert_enqueue_failed", "error", err)
	}
	if err := s.publisher.PublishAlert(context.WithoutCancel(ctx), events.Alert{
		Kind:              alert.Kind,
		Provider:          alert.Provider,
		ProviderReference: alert.ProviderReference,
		ProviderEventID:   alert.ProviderEventID,
		PaymentID:         alert.PaymentID,
		Message:           alert.Message,
		OccurredAt:        time.Now(),
	}); err != nil {
		log.Warnw("payment_integrity_alert_publish_failed", "error", err)
	}
}

// MemoryAlertSink 收集告警（测试与单机调试）
type MemoryAlertSink struct {
	mu     sync.Mutex
	alerts []IntegrityAlert
}

// Raise 追加告警
func (s *MemoryAlertSink) Raise(_ context.Context, alert IntegrityAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

// Alerts 返回已收集的告警副本
func (s *MemoryAlertSink) Alerts() []IntegrityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IntegrityAlert, len(s.alerts))
	copy(out, s.alerts)
	return out
}
