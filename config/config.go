package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"payment-recovery/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	LogLevel    string            `mapstructure:"log_level"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	MongoDB     MongoDBConfig     `mapstructure:"mongodb"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Security    SecurityConfig    `mapstructure:"security"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Ordering    OrderingConfig    `mapstructure:"ordering"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Access      AccessConfig      `mapstructure:"access"`
}

type SecurityConfig struct {
	SignatureHeader    string            `mapstructure:"signatureHeader" validate:"required"`
	SigningSecrets     []string          `mapstructure:"signingSecrets"`
	SignatureTolerance time.Duration     `mapstructure:"signatureTolerance"`
	RateLimit          float64           `mapstructure:"rateLimit" validate:"gt=0"`
	RateBurst          int               `mapstructure:"rateBurst" validate:"min=1"`
	OpsKeyHeader       string            `mapstructure:"opsKeyHeader"`
	OpsAPIKeys         map[string]string `mapstructure:"opsApiKeys"`
}

type MonitoringConfig struct {
	PrometheusPort int    `mapstructure:"prometheusPort"`
	MetricsPath    string `mapstructure:"metricsPath"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL       string `mapstructure:"url"`
	Exchange  string `mapstructure:"exchange"`
	QueueName string `mapstructure:"queueName"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// GatewayConfig points at the billing platform that owns charging,
// notifications, feature flags and subscriptions.
type GatewayConfig struct {
	BaseURL          string        `mapstructure:"baseURL"`
	APIKey           string        `mapstructure:"apiKey"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerFailures  uint32        `mapstructure:"breakerFailures"`
	BreakerTimeout   time.Duration `mapstructure:"breakerTimeout"`
	BreakerHalfOpen  uint32        `mapstructure:"breakerHalfOpen"`
	BreakerInterval  time.Duration `mapstructure:"breakerInterval"`
	ManualReviewUser string        `mapstructure:"manualReviewUser"`
}

type WorkerConfig struct {
	PoolSize        int           `mapstructure:"poolSize" validate:"min=1"`
	PollInterval    time.Duration `mapstructure:"pollInterval"`
	ScheduleBatch   int           `mapstructure:"scheduleBatch" validate:"min=1"`
	ActionTimeout   time.Duration `mapstructure:"actionTimeout"`
	AccessInterval  time.Duration `mapstructure:"accessInterval"`
	RetentionPeriod time.Duration `mapstructure:"retentionPeriod"`
}

type IngestionConfig struct {
	DedupWindow    time.Duration  `mapstructure:"dedupWindow" validate:"gt=0"`
	DedupBucket    time.Duration  `mapstructure:"dedupBucket" validate:"gt=0"`
	EnqueueGrace   time.Duration  `mapstructure:"enqueueGrace"`
	EventPriority  map[string]int `mapstructure:"eventPriority"`
	AuditRetention time.Duration  `mapstructure:"auditRetention"`
}

type OrderingConfig struct {
	MaxRetries   int           `mapstructure:"maxRetries" validate:"min=1"`
	BaseBackoff  time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff   time.Duration `mapstructure:"maxBackoff"`
	ClaimTimeout time.Duration `mapstructure:"claimTimeout"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// StageConfig describes what happens when a failure enters one dunning stage
type StageConfig struct {
	Stage                     models.DunningStage `mapstructure:"stage" validate:"required"`
	OffsetDays                int                 `mapstructure:"offsetDays" validate:"min=0"`
	RetryAttempt              bool                `mapstructure:"retryAttempt"`
	PaymentMethodUpdatePrompt bool                `mapstructure:"paymentMethodUpdatePrompt"`
	GracePeriodDays           int                 `mapstructure:"gracePeriodDays" validate:"min=0"`
	TemplateID                string              `mapstructure:"templateID"`
	Channels                  []string            `mapstructure:"channels"`
}

// ImmediatePolicy bounds the fast-path retries for one temporary failure kind
type ImmediatePolicy struct {
	MaxAttempts       int           `mapstructure:"maxAttempts" validate:"min=1"`
	Delay             time.Duration `mapstructure:"delay"`
	AmountReduction   float64       `mapstructure:"amountReduction"`
	MinAmountFraction float64       `mapstructure:"minAmountFraction"`
	MinAmount         int64         `mapstructure:"minAmount"`
}

type RecoveryConfig struct {
	HighValueThreshold      int64                                   `mapstructure:"highValueThreshold"`
	Stages                  []StageConfig                           `mapstructure:"stages" validate:"len=9,dive"`
	ImmediateRetry          map[string]ImmediatePolicy              `mapstructure:"immediateRetry" validate:"dive"`
	ImmediateAliases        map[string]string                       `mapstructure:"immediateAliases"`
	HighValueBonusAttempts  int                                     `mapstructure:"highValueBonusAttempts"`
	MaxImmediateAttempts    int                                     `mapstructure:"maxImmediateAttempts"`
	HighValueDelayReduction time.Duration                           `mapstructure:"highValueDelayReduction"`
	MinImmediateDelay       time.Duration                           `mapstructure:"minImmediateDelay"`
	TemporaryCodes          []string                                `mapstructure:"temporaryCodes"`
	InsufficientFundsHints  []string                                `mapstructure:"insufficientFundsHints"`
	NonRetryableCodes       []string                                `mapstructure:"nonRetryableCodes"`
	Classification          map[models.FailureType][]string         `mapstructure:"classification"`
	Strategies              map[models.FailureType][]models.Strategy `mapstructure:"strategies"`
	PartialPaymentMinAmount int64                                   `mapstructure:"partialPaymentMinAmount"`
	PaymentPlanMinAmount    int64                                   `mapstructure:"paymentPlanMinAmount"`
	UpdateRetries           int                                     `mapstructure:"updateRetries" validate:"min=1"`
	ManualReviewTemplate    string                                  `mapstructure:"manualReviewTemplate"`
	RecoveredTemplate       string                                  `mapstructure:"recoveredTemplate"`
	PromptTemplate          string                                  `mapstructure:"promptTemplate"`
}

// TierConfig describes one suspension tier
type TierConfig struct {
	Tier         models.SuspensionTier `mapstructure:"tier" validate:"required"`
	Restrictions []string              `mapstructure:"restrictions"`
	Retention    time.Duration         `mapstructure:"retention"`
	TemplateID   string                `mapstructure:"templateID"`
}

type AccessConfig struct {
	GraceFeatures     []string      `mapstructure:"graceFeatures"`
	GraceRestrictions []string      `mapstructure:"graceRestrictions"`
	ReminderInterval  time.Duration `mapstructure:"reminderInterval"`
	ReminderTemplate  string        `mapstructure:"reminderTemplate"`
	GraceTemplate     string        `mapstructure:"graceTemplate"`
	PurgeTemplate     string        `mapstructure:"purgeTemplate"`
	Tiers             []TierConfig  `mapstructure:"tiers" validate:"len=3,dive"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("log_level", "info")
	v.SetDefault("monitoring.prometheusPort", 9090)
	v.SetDefault("monitoring.metricsPath", "/metrics")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags of the whole configuration tree.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("APP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if promPort := os.Getenv("PROMETHEUS_PORT"); promPort != "" {
		if p, err := strconv.Atoi(promPort); err == nil {
			cfg.Monitoring.PrometheusPort = p
		}
	}

	if uri := os.Getenv("MONGODB_URI"); uri != "" {
		cfg.MongoDB.URI = uri
	}
	if db := os.Getenv("MONGODB_DATABASE"); db != "" {
		cfg.MongoDB.Database = db
	}

	// Support both CLOUDAMQP_URL and RABBITMQ_URI for backwards compatibility
	if cloudamqpURL := os.Getenv("CLOUDAMQP_URL"); cloudamqpURL != "" {
		cfg.RabbitMQ.URL = cloudamqpURL
	} else if rabbitURL := os.Getenv("RABBITMQ_URI"); rabbitURL != "" {
		cfg.RabbitMQ.URL = rabbitURL
	}
	if exchange := os.Getenv("RABBITMQ_EXCHANGE"); exchange != "" {
		cfg.RabbitMQ.Exchange = exchange
	}
	if queue := os.Getenv("RABBITMQ_QUEUE"); queue != "" {
		cfg.RabbitMQ.QueueName = queue
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if header := os.Getenv("WEBHOOK_SIGNATURE_HEADER"); header != "" {
		cfg.Security.SignatureHeader = header
	}
	if secrets := loadSigningSecretsFromEnv(); len(secrets) > 0 {
		cfg.Security.SigningSecrets = secrets
	}

	if header := os.Getenv("OPS_API_KEY_HEADER"); header != "" {
		cfg.Security.OpsKeyHeader = header
	}
	if keys := loadOpsKeysFromEnv(); len(keys) > 0 {
		cfg.Security.OpsAPIKeys = keys
	}

	if url := os.Getenv("BILLING_GATEWAY_URL"); url != "" {
		cfg.Gateway.BaseURL = url
	}
	if key := os.Getenv("BILLING_GATEWAY_API_KEY"); key != "" {
		cfg.Gateway.APIKey = key
	}
}

// loadSigningSecretsFromEnv reads WEBHOOK_SIGNING_SECRETS (comma separated, newest
// first) plus any WEBHOOK_SIGNING_SECRET_* variables used during rotation.
func loadSigningSecretsFromEnv() []string {
	var secrets []string
	for _, s := range strings.Split(os.Getenv("WEBHOOK_SIGNING_SECRETS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.HasPrefix(parts[0], "WEBHOOK_SIGNING_SECRET_") && parts[1] != "" {
			secrets = append(secrets, parts[1])
		}
	}
	return secrets
}

// loadOpsKeysFromEnv maps OPS_<NAME>_API_KEY variables to operator name.
func loadOpsKeysFromEnv() map[string]string {
	keys := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		name := parts[0]
		if strings.HasPrefix(name, "OPS_") && strings.HasSuffix(name, "_API_KEY") && len(name) > len("OPS__API_KEY") {
			operator := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(name, "OPS_"), "_API_KEY"))
			keys[operator] = parts[1]
		}
	}
	return keys
}
