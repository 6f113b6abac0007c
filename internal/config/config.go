package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for a helpdesk service process.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Broker       BrokerConfig
	RPC          RPCConfig
	Events       EventsConfig
	Notification NotificationConfig
	Worker       WorkerConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `validate:"required"`
	Env                   string
	Host                  string
	Port                  string `validate:"required"`
	Version               string
	RequestTimeoutSeconds int `validate:"min=0"`
	// InstanceID distinguishes replicas; reply consumers are grouped by it.
	InstanceID string `validate:"required"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// DedupTTLSeconds bounds how long a consumed event ID is remembered.
	DedupTTLSeconds int `validate:"min=0"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret       string `validate:"required"`
	TokenTTLMinutes int    `validate:"min=0"`
	// StaffRoleIDs may change ticket status and assignees over HTTP.
	StaffRoleIDs []int64
}

// BrokerConfig selects and tunes the message transport.
type BrokerConfig struct {
	Driver              string   `validate:"oneof=kafka nats memory"`
	KafkaBrokers        []string `validate:"dive,required"`
	NatsURL             string
	ConnectMaxAttempts  int `validate:"min=1"`
	ConnectBackoffMs    int `validate:"min=1"`
	ConnectMaxBackoffMs int `validate:"min=1"`
	WriteTimeoutMs      int `validate:"min=1"`
	DispatchLanes       int `validate:"min=1"`
	MaxInflightRequests int `validate:"min=1"`
}

// RPCConfig holds request/reply defaults.
type RPCConfig struct {
	DefaultTimeoutMs int `validate:"min=1"`
}

// EventsConfig lists downstream subscribers for published events.
type EventsConfig struct {
	StatusChangedSubscribers []string
	CreatedSubscribers       []string
	AssignedSubscribers      []string
	PublishTimeoutMs         int `validate:"min=1"`

	// A consumed event whose handler fails is retried in place this many
	// times before it is acknowledged anyway.
	HandlerMaxAttempts  int `validate:"min=1"`
	HandlerBackoffMs    int `validate:"min=1"`
	HandlerMaxBackoffMs int `validate:"min=1"`
}

// NotificationConfig holds email delivery settings.
type NotificationConfig struct {
	EmailFrom        string `validate:"required"`
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SupporterRoleIDs []int64
}

// WorkerConfig tunes the background email retry loop.
type WorkerConfig struct {
	EmailRetryIntervalSeconds int `validate:"min=1"`
	EmailRetryBatchSize       int `validate:"min=1"`
	EmailMaxAttempts          int `validate:"min=1"`
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	roleIDs, err := getEnvAsInt64List("NOTIFY_SUPPORTER_ROLE_IDS", []int64{2, 3})
	if err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_SUPPORTER_ROLE_IDS: %w", err)
	}

	staffRoleIDs, err := getEnvAsInt64List("AUTH_STAFF_ROLE_IDS", []int64{2, 3})
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_STAFF_ROLE_IDS: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "helpdesk"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
			InstanceID:            getEnv("APP_INSTANCE_ID", uuid.NewString()),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:        os.Getenv("REDIS_PASSWORD"),
			DB:              redisDB,
			DedupTTLSeconds: getEnvAsInt("REDIS_DEDUP_TTL_SECONDS", 86400),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:       getEnv("AUTH_JWT_SECRET", "dev-secret"),
			TokenTTLMinutes: getEnvAsInt("AUTH_TOKEN_TTL_MINUTES", 60),
			StaffRoleIDs:    staffRoleIDs,
		},
		Broker: BrokerConfig{
			Driver:              strings.ToLower(getEnv("BROKER_DRIVER", "kafka")),
			KafkaBrokers:        getEnvAsList("KAFKA_BROKERS", []string{"127.0.0.1:9092"}),
			NatsURL:             getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			ConnectMaxAttempts:  getEnvAsInt("BROKER_CONNECT_MAX_ATTEMPTS", 10),
			ConnectBackoffMs:    getEnvAsInt("BROKER_CONNECT_BACKOFF_MS", 200),
			ConnectMaxBackoffMs: getEnvAsInt("BROKER_CONNECT_MAX_BACKOFF_MS", 5000),
			WriteTimeoutMs:      getEnvAsInt("BROKER_WRITE_TIMEOUT_MS", 5000),
			DispatchLanes:       getEnvAsInt("BROKER_DISPATCH_LANES", 16),
			MaxInflightRequests: getEnvAsInt("BROKER_MAX_INFLIGHT_REQUESTS", 256),
		},
		RPC: RPCConfig{
			DefaultTimeoutMs: getEnvAsInt("RPC_DEFAULT_TIMEOUT_MS", 5000),
		},
		Events: EventsConfig{
			StatusChangedSubscribers: getEnvAsList("EVENTS_STATUS_CHANGED_SUBSCRIBERS", []string{"notification", "satisfaction"}),
			CreatedSubscribers:       getEnvAsList("EVENTS_CREATED_SUBSCRIBERS", []string{"notification"}),
			AssignedSubscribers:      getEnvAsList("EVENTS_ASSIGNED_SUBSCRIBERS", []string{"notification"}),
			PublishTimeoutMs:         getEnvAsInt("EVENTS_PUBLISH_TIMEOUT_MS", 3000),
			HandlerMaxAttempts:       getEnvAsInt("EVENTS_HANDLER_MAX_ATTEMPTS", 8),
			HandlerBackoffMs:         getEnvAsInt("EVENTS_HANDLER_BACKOFF_MS", 500),
			HandlerMaxBackoffMs:      getEnvAsInt("EVENTS_HANDLER_MAX_BACKOFF_MS", 30000),
		},
		Notification: NotificationConfig{
			EmailFrom:        getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			SMTPHost:         os.Getenv("NOTIFY_SMTP_HOST"),
			SMTPPort:         getEnvAsInt("NOTIFY_SMTP_PORT", 587),
			SMTPUsername:     os.Getenv("NOTIFY_SMTP_USERNAME"),
			SMTPPassword:     os.Getenv("NOTIFY_SMTP_PASSWORD"),
			SupporterRoleIDs: roleIDs,
		},
		Worker: WorkerConfig{
			EmailRetryIntervalSeconds: getEnvAsInt("WORKER_EMAIL_RETRY_INTERVAL_SECONDS", 30),
			EmailRetryBatchSize:       getEnvAsInt("WORKER_EMAIL_RETRY_BATCH_SIZE", 50),
			EmailMaxAttempts:          getEnvAsInt("WORKER_EMAIL_MAX_ATTEMPTS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints plus the driver specific requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Broker.Driver {
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			return fmt.Errorf("invalid config: KAFKA_BROKERS is required for the kafka driver")
		}
	case "nats":
		if c.Broker.NatsURL == "" {
			return fmt.Errorf("invalid config: NATS_URL is required for the nats driver")
		}
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func (r RedisConfig) DedupTTL() time.Duration {
	return time.Duration(r.DedupTTLSeconds) * time.Second
}

func (b BrokerConfig) ConnectBackoff() time.Duration {
	return time.Duration(b.ConnectBackoffMs) * time.Millisecond
}

func (b BrokerConfig) ConnectMaxBackoff() time.Duration {
	return time.Duration(b.ConnectMaxBackoffMs) * time.Millisecond
}

func (b BrokerConfig) WriteTimeout() time.Duration {
	return time.Duration(b.WriteTimeoutMs) * time.Millisecond
}

// DefaultTimeout is applied to calls that do not pass their own.
func (r RPCConfig) DefaultTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutMs) * time.Millisecond
}

func (e EventsConfig) PublishTimeout() time.Duration {
	return time.Duration(e.PublishTimeoutMs) * time.Millisecond
}

func (e EventsConfig) HandlerBackoff() time.Duration {
	return time.Duration(e.HandlerBackoffMs) * time.Millisecond
}

func (e EventsConfig) HandlerMaxBackoff() time.Duration {
	return time.Duration(e.HandlerMaxBackoffMs) * time.Millisecond
}

func (w WorkerConfig) EmailRetryInterval() time.Duration {
	return time.Duration(w.EmailRetryIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt64List(key string, fallback []int64) ([]int64, error) {
	parts := getEnvAsList(key, nil)
	if parts == nil {
		return fallback, nil
	}
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
