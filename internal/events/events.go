package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/logger"

	skafka "github.com/segmentio/kafka-go"
)

// 生命周期事件类型
const (
	TypePaymentCreated    = "payment.created"
	TypePaymentAuthorized = "payment.authorized"
	TypePaymentCaptured   = "payment.captured"
	TypePaymentRefunded   = "payment.refunded"
	TypePaymentFailed     = "payment.failed"
	TypePaymentCanceled   = "payment.canceled"
	TypeRefundSucceeded   = "refund.succeeded"
	TypeRefundFailed      = "refund.failed"
	TypeRefundCanceled    = "refund.canceled"
)

// LifecycleEvent 已提交的状态变更，按 payment_id 分区保证同一支付有序
type LifecycleEvent struct {
	Type       string    `json:"type"`
	PaymentID  string    `json:"payment_id"`
	RefundID   string    `json:"refund_id,omitempty"`
	Provider   string    `json:"provider"`
	State      string    `json:"state"`
	Version    int64     `json:"version"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Source     string    `json:"source"` // api / webhook
	OccurredAt time.Time `json:"occurred_at"`
}

// Alert 一致性告警
type Alert struct {
	Kind              string    `json:"kind"`
	Provider          string    `json:"provider"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	ProviderEventID   string    `json:"provider_event_id,omitempty"`
	PaymentID         string    `json:"payment_id,omitempty"`
	Message           string    `json:"message,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Publisher 事件输出
type Publisher interface {
	PublishLifecycle(ctx context.Context, event LifecycleEvent) error
	PublishAlert(ctx context.Context, alert Alert) error
	Close() error
}

// Writer kafka.Writer 的最小子集
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher Kafka 实现
type KafkaPublisher struct {
	lifecycle Writer
	alerts    Writer
	timeout   time.Duration
}

// NewKafkaPublisher 按配置创建；未启用时返回 NoopPublisher
func NewKafkaPublisher(cfg config.KafkaConfig) Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return NoopPublisher{}
	}
	timeout := time.Duration(cfg.WriteTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	newWriter := func(topic string) Writer {
		return &skafka.Writer{
			Addr:                   skafka.TCP(cfg.Brokers...),
			Topic:                  strings.TrimSpace(topic),
			Balancer:               &skafka.Hash{},
			RequiredAcks:           skafka.RequireAll,
			WriteTimeout:           timeout,
			AllowAutoTopicCreation: true,
		}
	}
	var alerts Writer
	if strings.TrimSpace(cfg.AlertTopic) != "" {
		alerts = newWriter(cfg.AlertTopic)
	}
	return &KafkaPublisher{lifecycle: newWriter(cfg.Topic), alerts: alerts, timeout: timeout}
}

// NewKafkaPublisherWithWriters 注入 writer（测试使用）
func NewKafkaPublisherWithWriters(lifecycle, alerts Writer) *KafkaPublisher {
	return &KafkaPublisher{lifecycle: lifecycle, alerts: alerts, timeout: 3 * time.Second}
}

// PublishLifecycle 写入生命周期事件
func (p *KafkaPublisher) PublishLifecycle(ctx context.Context, event LifecycleEvent) error {
	return p.write(ctx, p.lifecycle, event.PaymentID, event.Type, event)
}

// PublishAlert 写入告警
func (p *KafkaPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	if p.alerts == nil {
		return nil
	}
	return p.write(ctx, p.alerts, alert.Provider+":"+alert.ProviderReference, alert.Kind, alert)
}

func (p *KafkaPublisher) write(ctx context.Context, writer Writer, key, eventType string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg := skafka.Message{
		Key:     []byte(key),
		Value:   body,
		Headers: []skafka.Header{{Key: "event_type", Value: []byte(eventType)}},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		logger.Warnw("kafka_publish_failed", "event_type", eventType, "key", key, "error", err)
		return err
	}
	return nil
}

// Close 关闭 writer
func (p *KafkaPublisher) Close() error {
	var firstErr error
	for _, w := range []Writer{p.lifecycle, p.alerts} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoopPublisher 未配置 Kafka 时使用
type NoopPublisher struct{}

// PublishLifecycle 丢弃事件
func (NoopPublisher) PublishLifecycle(context.Context, LifecycleEvent) error { return nil }

// PublishAlert 丢弃告警
func (NoopPublisher) PublishAlert(context.Context, Alert) error { return nil }

// Close 无操作
func (NoopPublisher) Close() error { return nil }
