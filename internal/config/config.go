package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/logger"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Queue       QueueConfig       `mapstructure:"queue"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Providers   ProvidersConfig   `mapstructure:"providers"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	API         APIConfig         `mapstructure:"api"`
	Ops         OpsConfig         `mapstructure:"ops"`
	Events      EventsConfig      `mapstructure:"events"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug / release

	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds      int `mapstructure:"write_timeout_seconds"`
	IdleTimeoutSeconds       int `mapstructure:"idle_timeout_seconds"`
	ShutdownTimeoutSeconds   int `mapstructure:"shutdown_timeout_seconds"`
}

// Addr 监听地址
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ToLoggerOptions 转换为 logger 配置
func (c LogConfig) ToLoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Level,
		Dir:        c.Dir,
		Filename:   c.Filename,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
		Service:    constants.ServiceName,
		Version:    constants.ServiceVersion,
	}
}

// DatabasePoolConfig 数据库连接池配置
type DatabasePoolConfig struct {
	MaxOpenConns           int `mapstructure:"max_open_conns"`
	MaxIdleConns           int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int `mapstructure:"conn_max_idle_time_seconds"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string             `mapstructure:"driver"` // 数据库驱动（sqlite/postgres）
	DSN      string             `mapstructure:"dsn"`    // 数据库连接串
	LogLevel string             `mapstructure:"log_level"`
	Pool     DatabasePoolConfig `mapstructure:"pool"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig 异步队列配置
type QueueConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	Host        string         `mapstructure:"host"`
	Port        int            `mapstructure:"port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db"`
	Concurrency int            `mapstructure:"concurrency"`
	Queues      map[string]int `mapstructure:"queues"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// ProvidersConfig 支付提供方配置
type ProvidersConfig struct {
	Stripe  StripeProviderConfig  `mapstructure:"stripe"`
	Paypal  PaypalProviderConfig  `mapstructure:"paypal"`
	Sandbox SandboxProviderConfig `mapstructure:"sandbox"`
}

// StripeProviderConfig Stripe 凭据与开关
type StripeProviderConfig struct {
	Enabled                 bool   `mapstructure:"enabled"`
	SecretKey               string `mapstructure:"secret_key"`
	WebhookSecret           string `mapstructure:"webhook_secret"`
	APIBaseURL              string `mapstructure:"api_base_url"`
	WebhookToleranceSeconds int    `mapstructure:"webhook_tolerance_seconds"`
	TimeoutSeconds          int    `mapstructure:"timeout_seconds"`
	NativeIdempotency       bool   `mapstructure:"native_idempotency"`
}

// PaypalProviderConfig PayPal 凭据与开关
type PaypalProviderConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	BaseURL           string `mapstructure:"base_url"`
	WebhookID         string `mapstructure:"webhook_id"`
	ReturnURL         string `mapstructure:"return_url"`
	CancelURL         string `mapstructure:"cancel_url"`
	BrandName         string `mapstructure:"brand_name"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	NativeIdempotency bool   `mapstructure:"native_idempotency"`
}

// SandboxProviderConfig 本地沙箱提供方配置
type SandboxProviderConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	WebhookSecret     string `mapstructure:"webhook_secret"`
	NativeIdempotency bool   `mapstructure:"native_idempotency"`
}

// IdempotencyConfig 幂等配置
type IdempotencyConfig struct {
	Backend               string `mapstructure:"backend"` // database / bolt
	BoltPath              string `mapstructure:"bolt_path"`
	RetentionHours        int    `mapstructure:"retention_hours"`
	InProgressPolicy      string `mapstructure:"in_progress_policy"` // fail / wait
	WaitTimeoutMillis     int    `mapstructure:"wait_timeout_ms"`
	PollIntervalMillis    int    `mapstructure:"poll_interval_ms"`
	ProcessingLeaseSecond int    `mapstructure:"processing_lease_seconds"`
}

// Retention 幂等记录保留时长
func (c IdempotencyConfig) Retention() time.Duration {
	return hoursOrDefault(c.RetentionHours, 24)
}

// WaitTimeout 等待进行中请求的最长时间
func (c IdempotencyConfig) WaitTimeout() time.Duration {
	return millisOrDefault(c.WaitTimeoutMillis, 5000)
}

// PollInterval 等待时的轮询间隔
func (c IdempotencyConfig) PollInterval() time.Duration {
	return millisOrDefault(c.PollIntervalMillis, 50)
}

// ProcessingLease 处理中记录的租约，过期后允许接管
func (c IdempotencyConfig) ProcessingLease() time.Duration {
	if c.ProcessingLeaseSecond <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ProcessingLeaseSecond) * time.Second
}

// NormalizedPolicy 返回合法的进行中策略
func (c IdempotencyConfig) NormalizedPolicy() string {
	if strings.EqualFold(strings.TrimSpace(c.InProgressPolicy), constants.InProgressPolicyWait) {
		return constants.InProgressPolicyWait
	}
	return constants.InProgressPolicyFail
}

// ConcurrencyConfig 并发控制配置
type ConcurrencyConfig struct {
	OCCMaxRetries    int                `mapstructure:"occ_max_retries"`
	OCCBackoffMillis int                `mapstructure:"occ_backoff_ms"`
	AdvisoryLock     AdvisoryLockConfig `mapstructure:"advisory_lock"`
}

// AdvisoryLockConfig 基于 Redis 的按支付串行化
type AdvisoryLockConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TTLMillis  int  `mapstructure:"ttl_ms"`
	WaitMillis int  `mapstructure:"wait_ms"`
}

// WebhookConfig Webhook 处理配置
type WebhookConfig struct {
	ProcessingTimeoutSeconds int `mapstructure:"processing_timeout_seconds"`
	RetentionHours           int `mapstructure:"retention_hours"`
	MaxAttempts              int `mapstructure:"max_attempts"`
	MaxBodyBytes             int `mapstructure:"max_body_bytes"`
}

// ProcessingTimeout 单个事件的处理超时
func (c WebhookConfig) ProcessingTimeout() time.Duration {
	if c.ProcessingTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ProcessingTimeoutSeconds) * time.Second
}

// Retention 事件台账保留时长
func (c WebhookConfig) Retention() time.Duration {
	return hoursOrDefault(c.RetentionHours, 72)
}

// RetentionConfig 定期清理配置
type RetentionConfig struct {
	PurgeIntervalSeconds int `mapstructure:"purge_interval_seconds"`
	BatchSize            int `mapstructure:"batch_size"`
}

// PurgeInterval 清理周期，0 表示关闭周期清理
func (c RetentionConfig) PurgeInterval() time.Duration {
	if c.PurgeIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PurgeIntervalSeconds) * time.Second
}

// APIConfig 对外 API 配置
type APIConfig struct {
	LegacyV1Enabled bool            `mapstructure:"legacy_v1_enabled"`
	LegacySunset    string          `mapstructure:"legacy_sunset"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig 写接口限流配置
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	MaxRequests   int  `mapstructure:"max_requests"`
}

// OpsConfig 运维接口配置
type OpsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// 默认配置与示例中出现过的占位密钥片段
var placeholderSecretMarkers = []string{"change-me", "changeme", "your-secret", "example", "secret-key"}

// WeakSecret 签名密钥不足 32 字节或仍是占位值
func (c OpsConfig) WeakSecret() bool {
	secret := strings.ToLower(strings.TrimSpace(c.JWTSecret))
	if len(secret) < 32 {
		return true
	}
	for _, marker := range placeholderSecretMarkers {
		if strings.Contains(secret, marker) {
			return true
		}
	}
	return false
}

// TokenTTL 运维令牌有效期
func (c OpsConfig) TokenTTL() time.Duration {
	return hoursOrDefault(c.ExpireHours, 12)
}

// EventsConfig 支付生命周期事件输出
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig Kafka 生产者配置
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	AlertTopic   string   `mapstructure:"alert_topic"`
	WriteTimeout int      `mapstructure:"write_timeout_ms"`
}

func hoursOrDefault(hours int, fallback int) time.Duration {
	if hours <= 0 {
		hours = fallback
	}
	return time.Duration(hours) * time.Hour
}

func millisOrDefault(ms int, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// searchPaths 依次查找 config.yaml 的目录，兼容从 cmd/* 下直接运行
var searchPaths = []string{".", "..", "./etc"}

// Load 读取配置文件与 SECTION_KEY 形式的环境变量，文件缺失时退回默认值
func Load() *Config {
	cfg, err := load(searchPaths...)
	if err != nil {
		logger.Errorw("config_unmarshal_failed", "error", err)
		panic(fmt.Errorf("配置解析失败: %w", err))
	}
	return cfg
}

func load(dirs ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	for section, values := range defaults {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		logger.Warnw("config_file_read_failed", "error", err, "fallback", "env_or_defaults")
	} else {
		logger.Infow("config_file_loaded", "file", v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults 按配置段组织的默认值；环境变量只能覆盖这里登记过的键
var defaults = map[string]map[string]interface{}{
	"server": {
		"host":                        "0.0.0.0",
		"port":                        "8002",
		"mode":                        "debug",
		"read_header_timeout_seconds": 5,
		"read_timeout_seconds":        15,
		"write_timeout_seconds":       30,
		"idle_timeout_seconds":        60,
		"shutdown_timeout_seconds":    15,
	},
	"log": {
		"level":        "",
		"dir":          "",
		"filename":     "payments.log",
		"max_size_mb":  100,
		"max_backups":  7,
		"max_age_days": 30,
		"compress":     true,
	},
	"database": {
		"driver":                          "sqlite",
		"dsn":                             "./db/payments.db",
		"log_level":                       "warn",
		"pool.max_open_conns":             1,
		"pool.max_idle_conns":             1,
		"pool.conn_max_lifetime_seconds":  0,
		"pool.conn_max_idle_time_seconds": 0,
	},
	"redis": {
		"enabled":  false,
		"host":     "127.0.0.1",
		"port":     6379,
		"password": "",
		"db":       0,
		"prefix":   "po",
	},
	"queue": {
		"enabled":     false,
		"host":        "127.0.0.1",
		"port":        6379,
		"password":    "",
		"db":          1,
		"concurrency": 10,
		"queues":      map[string]int{constants.QueueCritical: 6, constants.QueueDefault: 3},
	},
	"cors": {
		"allowed_origins":   []string{"*"},
		"allowed_methods":   []string{"GET", "POST", "OPTIONS"},
		"allowed_headers":   []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"},
		"allow_credentials": false,
		"max_age":           600,
	},
	"providers": {
		"stripe.enabled":                   true,
		"stripe.secret_key":                "",
		"stripe.webhook_secret":            "",
		"stripe.api_base_url":              "",
		"stripe.webhook_tolerance_seconds": 300,
		"stripe.timeout_seconds":           12,
		"stripe.native_idempotency":        true,
		"paypal.enabled":                   true,
		"paypal.client_id":                 "",
		"paypal.client_secret":             "",
		"paypal.base_url":                  "https://api-m.sandbox.paypal.com",
		"paypal.webhook_id":                "",
		"paypal.return_url":                "",
		"paypal.cancel_url":                "",
		"paypal.brand_name":                "",
		"paypal.timeout_seconds":           12,
		"paypal.native_idempotency":        true,
		"sandbox.enabled":                  false,
		"sandbox.webhook_secret":           "sandbox-webhook-secret",
		"sandbox.native_idempotency":       true,
	},
	"idempotency": {
		"backend":                  constants.IdempotencyBackendDatabase,
		"bolt_path":                "./db/idempotency.bolt",
		"retention_hours":          24,
		"in_progress_policy":       constants.InProgressPolicyFail,
		"wait_timeout_ms":          5000,
		"poll_interval_ms":         50,
		"processing_lease_seconds": 60,
	},
	"concurrency": {
		"occ_max_retries":       3,
		"occ_backoff_ms":        10,
		"advisory_lock.enabled": false,
		"advisory_lock.ttl_ms":  30000,
		"advisory_lock.wait_ms": 2000,
	},
	"webhook": {
		"processing_timeout_seconds": 10,
		"retention_hours":            72,
		"max_attempts":               8,
		"max_body_bytes":             1 << 20,
	},
	"retention": {
		"purge_interval_seconds": 300,
		"batch_size":             500,
	},
	"api": {
		"legacy_v1_enabled":         true,
		"legacy_sunset":             "",
		"rate_limit.enabled":        false,
		"rate_limit.window_seconds": 60,
		"rate_limit.max_requests":   120,
	},
	"ops": {
		"enabled":      true,
		"jwt_secret":   "change-me-in-production",
		"expire_hours": 8,
	},
	"events": {
		"kafka.enabled":          false,
		"kafka.brokers":          []string{"127.0.0.1:9092"},
		"kafka.topic":            "payment.lifecycle",
		"kafka.alert_topic":      "payment.integrity_alerts",
		"kafka.write_timeout_ms": 3000,
	},
}
