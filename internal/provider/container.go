package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/authz"
	"github.com/payment-orchestrator/internal/cache"
	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/events"
	"github.com/payment-orchestrator/internal/logger"
	"github.com/payment-orchestrator/internal/models"
	"github.com/payment-orchestrator/internal/payment"
	"github.com/payment-orchestrator/internal/payment/paypal"
	"github.com/payment-orchestrator/internal/payment/sandbox"
	"github.com/payment-orchestrator/internal/payment/stripe"
	"github.com/payment-orchestrator/internal/queue"
	"github.com/payment-orchestrator/internal/repository"
	"github.com/payment-orchestrator/internal/service"

	"gorm.io/gorm"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	DB          *gorm.DB
	QueueClient *queue.Client
	Publisher   events.Publisher
	Providers   *payment.Registry

	// Repositories
	PaymentRepo      repository.PaymentRepository
	RefundRepo       repository.RefundRepository
	IdempotencyRepo  repository.IdempotencyRepository
	WebhookEventRepo repository.WebhookEventRepository
	OpsAuditLogRepo  repository.OpsAuditLogRepository

	// Services
	AuthzService *authz.Service
	Alerts       service.AlertSink
	Orchestrator *service.Orchestrator
	Reconciler   *service.Reconciler
	Purger       *service.RetentionPurger
	OpsAudit     *service.OpsAuditService

	closers []func() error
}

// NewContainer 初始化容器，使用全局数据库连接
func NewContainer(cfg *config.Config) (*Container, error) {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}
	return Build(cfg, models.DB, queueClient, nil)
}

// Build 按给定连接装配；registry 为空时按配置创建提供方
func Build(cfg *config.Config, db *gorm.DB, queueClient *queue.Client, registry *payment.Registry) (*Container, error) {
	if db == nil {
		return nil, fmt.Errorf("database is not initialized")
	}
	c := &Container{
		Config:      cfg,
		DB:          db,
		QueueClient: queueClient,
		Providers:   registry,
	}
	if c.QueueClient != nil {
		c.closers = append(c.closers, c.QueueClient.Close)
	}

	// 1. 提供方与事件输出
	if c.Providers == nil {
		providers, err := BuildProviders(cfg.Providers)
		if err != nil {
			return nil, err
		}
		c.Providers = providers
	}
	c.Publisher = events.NewKafkaPublisher(cfg.Events.Kafka)
	c.closers = append(c.closers, c.Publisher.Close)

	// 2. 初始化 Repositories
	if err := c.initRepositories(); err != nil {
		c.Close()
		return nil, err
	}

	// 3. 初始化 Services
	if err := c.initServices(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) initRepositories() error {
	c.PaymentRepo = repository.NewPaymentRepository(c.DB)
	c.RefundRepo = repository.NewRefundRepository(c.DB)
	c.WebhookEventRepo = repository.NewWebhookEventRepository(c.DB)
	c.OpsAuditLogRepo = repository.NewOpsAuditLogRepository(c.DB)

	switch strings.ToLower(strings.TrimSpace(c.Config.Idempotency.Backend)) {
	case constants.IdempotencyBackendBolt:
		boltRepo, err := repository.NewBoltIdempotencyRepository(c.Config.Idempotency.BoltPath)
		if err != nil {
			logger.Errorw("provider_init_bolt_idempotency_failed", "path", c.Config.Idempotency.BoltPath, "error", err)
			return err
		}
		c.IdempotencyRepo = boltRepo
		c.closers = append(c.closers, boltRepo.Close)
	default:
		c.IdempotencyRepo = repository.NewIdempotencyRepository(c.DB)
	}
	return nil
}

func (c *Container) initServices() error {
	cfg := c.Config
	authzService, err := authz.NewService(c.DB)
	if err != nil {
		logger.Errorw("provider_init_authz_failed", "error", err)
		return err
	}
	c.AuthzService = authzService
	if err := c.AuthzService.BootstrapBuiltinRoles(); err != nil {
		logger.Errorw("provider_bootstrap_builtin_roles_failed", "error", err)
		return err
	}

	c.Alerts = service.NewQueueAlertSink(c.QueueClient, c.Publisher)

	var locker service.PaymentLocker
	if cfg.Concurrency.AdvisoryLock.Enabled {
		if client := cache.Client(); client != nil {
			locker = cache.NewLeaseLocker(client, cache.BuildKey("payment_lock"),
				time.Duration(cfg.Concurrency.AdvisoryLock.TTLMillis)*time.Millisecond,
				time.Duration(cfg.Concurrency.AdvisoryLock.WaitMillis)*time.Millisecond,
			)
		} else {
			logger.Warnw("provider_advisory_lock_without_redis")
		}
	}

	c.Orchestrator = service.NewOrchestrator(service.OrchestratorDeps{
		DB:              c.DB,
		PaymentRepo:     c.PaymentRepo,
		RefundRepo:      c.RefundRepo,
		IdempotencyRepo: c.IdempotencyRepo,
		Providers:       c.Providers,
		Locker:          locker,
		Publisher:       c.Publisher,
		Alerts:          c.Alerts,
		Idempotency: service.IdempotencyOptions{
			Policy:       cfg.Idempotency.NormalizedPolicy(),
			Retention:    cfg.Idempotency.Retention(),
			Lease:        cfg.Idempotency.ProcessingLease(),
			WaitTimeout:  cfg.Idempotency.WaitTimeout(),
			PollInterval: cfg.Idempotency.PollInterval(),
		},
		OCCMaxRetries: cfg.Concurrency.OCCMaxRetries,
		OCCBackoff:    time.Duration(cfg.Concurrency.OCCBackoffMillis) * time.Millisecond,
	})
	c.Reconciler = service.NewReconciler(c.Orchestrator, c.WebhookEventRepo, c.QueueClient, service.ReconcilerOptions{
		ProcessingTimeout: cfg.Webhook.ProcessingTimeout(),
		Retention:         cfg.Webhook.Retention(),
		MaxAttempts:       cfg.Webhook.MaxAttempts,
	})
	c.Purger = service.NewRetentionPurger(c.IdempotencyRepo, c.WebhookEventRepo, cfg.Retention.BatchSize)
	c.OpsAudit = service.NewOpsAuditService(c.OpsAuditLogRepo)
	return nil
}

// BuildProviders 按配置创建启用的提供方；启用但配置不完整时返回错误
func BuildProviders(cfg config.ProvidersConfig) (*payment.Registry, error) {
	var clients []payment.Client
	if cfg.Stripe.Enabled {
		client, err := stripe.New(stripe.Config{
			SecretKey:               cfg.Stripe.SecretKey,
			WebhookSecret:           cfg.Stripe.WebhookSecret,
			APIBaseURL:              cfg.Stripe.APIBaseURL,
			WebhookToleranceSeconds: cfg.Stripe.WebhookToleranceSeconds,
			TimeoutSeconds:          cfg.Stripe.TimeoutSeconds,
			NativeIdempotency:       cfg.Stripe.NativeIdempotency,
		}, logger.Component("stripe_sdk"))
		if err != nil {
			return nil, fmt.Errorf("init stripe provider: %w", err)
		}
		clients = append(clients, client)
	}
	if cfg.Paypal.Enabled {
		client, err := paypal.New(paypal.Config{
			ClientID:          cfg.Paypal.ClientID,
			ClientSecret:      cfg.Paypal.ClientSecret,
			BaseURL:           cfg.Paypal.BaseURL,
			ReturnURL:         cfg.Paypal.ReturnURL,
			CancelURL:         cfg.Paypal.CancelURL,
			WebhookID:         cfg.Paypal.WebhookID,
			BrandName:         cfg.Paypal.BrandName,
			TimeoutSeconds:    cfg.Paypal.TimeoutSeconds,
			NativeIdempotency: cfg.Paypal.NativeIdempotency,
		})
		if err != nil {
			return nil, fmt.Errorf("init paypal provider: %w", err)
		}
		clients = append(clients, client)
	}
	if cfg.Sandbox.Enabled {
		client, err := sandbox.New(sandbox.Config{
			WebhookSecret:     cfg.Sandbox.WebhookSecret,
			NativeIdempotency: cfg.Sandbox.NativeIdempotency,
		})
		if err != nil {
			return nil, fmt.Errorf("init sandbox provider: %w", err)
		}
		clients = append(clients, client)
	}
	registry := payment.NewRegistry(clients...)
	logger.Infow("provider_payment_registry_ready", "providers", registry.Enabled())
	return registry, nil
}

// Close 释放外部连接
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warnw("provider_close_failed", "error", err)
		}
	}
	c.closers = nil
	if err := cache.Close(); err != nil {
		logger.Warnw("provider_close_redis_failed", "error", err)
	}
}
