package queue

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/config"
	"github.com/payment-orchestrator/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// DefaultQueue 默认队列名称
	DefaultQueue = constants.QueueDefault
	// CriticalQueue 一致性告警等高优先级任务
	CriticalQueue = constants.QueueCritical
)

// Client 投递支付后台任务；未启用时所有投递都是空操作
type Client struct {
	client  *asynq.Client
	enabled bool
}

func NewClient(cfg *config.QueueConfig) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return &Client{}, nil
	}
	return &Client{client: asynq.NewClient(redisOpt(cfg)), enabled: true}, nil
}

// NewClientWithRedisOpt 直接使用连接参数创建（测试使用）
func NewClientWithRedisOpt(opt asynq.RedisConnOpt) *Client {
	return &Client{client: asynq.NewClient(opt), enabled: true}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled && c.client != nil
}

func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// enqueue 投递任务；duplicate 命中时视为已投递
func (c *Client) enqueue(task *asynq.Task, buildErr error, duplicate error, opts ...asynq.Option) error {
	if buildErr != nil {
		return buildErr
	}
	_, err := c.client.Enqueue(task, opts...)
	if duplicate != nil && errors.Is(err, duplicate) {
		return nil
	}
	return err
}

// EnqueueIntegrityAlert 推送一致性告警任务，同一事件只保留一条
func (c *Client) EnqueueIntegrityAlert(payload IntegrityAlertPayload) error {
	if !c.Enabled() {
		return nil
	}
	opts := []asynq.Option{asynq.Queue(CriticalQueue), asynq.MaxRetry(10)}
	if id := payload.dedupeID(); id != "" {
		opts = append(opts, asynq.TaskID(id), asynq.Retention(24*time.Hour))
	}
	task, err := NewIntegrityAlertTask(payload)
	return c.enqueue(task, err, asynq.ErrTaskIDConflict, opts...)
}

// EnqueueWebhookReprocess 延迟 delay 后重放一条回调台账记录
func (c *Client) EnqueueWebhookReprocess(payload WebhookReprocessPayload, delay time.Duration, maxRetry int) error {
	if !c.Enabled() {
		return nil
	}
	opts := []asynq.Option{asynq.Queue(DefaultQueue), asynq.ProcessIn(max(delay, 0))}
	if maxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(maxRetry))
	}
	task, err := NewWebhookReprocessTask(payload)
	return c.enqueue(task, err, nil, opts...)
}

// EnqueueRetentionPurge 推送一次性清理任务，unique 窗口内多个 worker 只会入队一次
func (c *Client) EnqueueRetentionPurge(payload RetentionPurgePayload, unique time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	opts := []asynq.Option{asynq.Queue(DefaultQueue), asynq.MaxRetry(1)}
	if unique > 0 {
		opts = append(opts, asynq.Unique(unique))
	}
	task, err := NewRetentionPurgeTask(payload)
	return c.enqueue(task, err, asynq.ErrDuplicateTask, opts...)
}

// BuildServerConfig worker 端连接参数与队列权重；告警队列权重高于重放和清理
func BuildServerConfig(cfg *config.QueueConfig) (asynq.RedisClientOpt, asynq.Config) {
	serverCfg := asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{CriticalQueue: 6, DefaultQueue: 3},
	}
	if cfg != nil && cfg.Concurrency > 0 {
		serverCfg.Concurrency = cfg.Concurrency
	}
	if cfg != nil && len(cfg.Queues) > 0 {
		serverCfg.Queues = cfg.Queues
	}
	return redisOpt(cfg), serverCfg
}

func redisOpt(cfg *config.QueueConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{Addr: "127.0.0.1:6379"}
	if cfg == nil {
		return opt
	}
	host, port := strings.TrimSpace(cfg.Host), cfg.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port <= 0 {
		port = 6379
	}
	opt.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	opt.Password = cfg.Password
	opt.DB = cfg.DB
	return opt
}
