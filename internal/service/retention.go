package service

import (
	"context"
	"time"

	"github.com/payment-orchestrator/internal/repository"
)

// PurgeReport 单次清理结果
type PurgeReport struct {
	IdempotencyRecords int64 `json:"idempotency_records"`
	WebhookEvents      int64 `json:"webhook_events"`
}

// RetentionPurger 定期清理过期的幂等记录与回调台账，支付与退款不删除
type RetentionPurger struct {
	idempotencyRepo repository.IdempotencyRepository
	webhookRepo     repository.WebhookEventRepository
	batchSize       int
	now             func() time.Time
}

// NewRetentionPurger 创建清理服务
func NewRetentionPurger(idempotencyRepo repository.IdempotencyRepository, webhookRepo repository.WebhookEventRepository, batchSize int) *RetentionPurger {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &RetentionPurger{
		idempotencyRepo: idempotencyRepo,
		webhookRepo:     webhookRepo,
		batchSize:       batchSize,
		now:             time.Now,
	}
}

// Purge 分批删除直到没有过期数据
func (p *RetentionPurger) Purge(ctx context.Context) (PurgeReport, error) {
	var report PurgeReport
	now := p.now()
	for {
		deleted, err := p.idempotencyRepo.DeleteExpired(ctx, now, p.batchSize)
		if err != nil {
			return report, err
		}
		report.IdempotencyRecords += deleted
		if deleted < int64(p.batchSize) {
			break
		}
	}
	for {
		deleted, err := p.webhookRepo.DeleteExpired(ctx, now, p.batchSize)
		if err != nil {
			return report, err
		}
		report.WebhookEvents += deleted
		if deleted < int64(p.batchSize) {
			break
		}
	}
	if report.IdempotencyRecords > 0 || report.WebhookEvents > 0 {
		paymentLogger().Infow("retention_purge_completed",
			"idempotency_records", report.IdempotencyRecords,
			"webhook_events", report.WebhookEvents,
		)
	}
	return report, nil
}
