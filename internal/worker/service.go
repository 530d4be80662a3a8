package worker

import (
	"context"
	"errors"
	"time"

	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/queue"

	"github.com/hibiken/asynq"
)

// Service 异步队列服务
type Service struct {
	name           string
	server         *asynq.Server
	mux            *asynq.ServeMux
	consumer       *Consumer
	purgeInterval  time.Duration
	purgeScheduler func(time.Duration) error
}

// NewService 创建异步队列服务
func NewService(cfg *config.QueueConfig, retention config.RetentionConfig, consumer *Consumer) (*Service, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, errors.New("queue disabled")
	}
	if consumer == nil {
		return nil, errors.New("consumer is nil")
	}
	opt, serverCfg := queue.BuildServerConfig(cfg)
	server := asynq.NewServer(opt, serverCfg)
	mux := asynq.NewServeMux()
	consumer.Register(mux)
	svc := &Service{
		name:          "worker",
		server:        server,
		mux:           mux,
		consumer:      consumer,
		purgeInterval: retention.PurgeInterval(),
	}
	if consumer.QueueClient != nil {
		svc.purgeScheduler = func(unique time.Duration) error {
			return consumer.QueueClient.EnqueueRetentionPurge(queue.RetentionPurgePayload{Reason: "schedule"}, unique)
		}
	}
	return svc, nil
}

// Name 服务名称
func (s *Service) Name() string {
	if s == nil || s.name == "" {
		return "worker"
	}
	return s.name
}

// Start 启动服务
func (s *Service) Start(ctx context.Context) error {
	if s == nil || s.server == nil || s.mux == nil {
		return errors.New("worker not initialized")
	}
	if s.purgeInterval > 0 {
		go s.runRetentionLoop(ctx)
	}
	return s.server.Run(s.mux)
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	_ = ctx
	s.server.Shutdown()
	return nil
}

// runRetentionLoop 周期性投递清理任务，投递失败时就地清理
func (s *Service) runRetentionLoop(ctx context.Context) {
	if s == nil || s.consumer == nil {
		return
	}
	runOnce := func() {
		if s.purgeScheduler != nil {
			err := s.purgeScheduler(s.purgeInterval)
			if err == nil {
				return
			}
			logger.Warnw("worker_retention_enqueue_failed", "error", err)
		}
		_ = s.consumer.purge(ctx, "schedule_inline")
	}
	runOnce()

	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
