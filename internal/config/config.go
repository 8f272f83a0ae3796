package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Commission CommissionConfig
	Shipping   ShippingConfig
	AfterSale  AfterSaleConfig
	RateLimit  RateLimitConfig
	Outbox     OutboxConfig
	Auth       AuthConfig
	Stripe     StripeConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	URL              string
	Host             string
	Port             string
	Username         string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	MaxLifetime      time.Duration
	ConnectRetries   int
	MigrationsDir    string
	AutoMigrate      bool
	AutoCreateSchema bool
}

// DSN prefers POSTGRES_DSN and otherwise assembles one from the parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.Username, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     d.Database,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
	LockWait time.Duration
	Enabled  bool

	// AnalyticsTTL caches analytics reports; zero disables the cache.
	AnalyticsTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	OrderStatus       string
	ShippingEvents    string
	AfterSaleDecision string
	PaymentStatus     string
}

func (t TopicConfig) All() []string {
	return []string{t.OrderStatus, t.ShippingEvents, t.AfterSaleDecision, t.PaymentStatus}
}

type CommissionConfig struct {
	// Percent is a decimal string such as "10" or "7.5".
	Percent string
}

type ShippingConfig struct {
	TrackingPrefix    string
	GracePeriod       time.Duration
	PromotionInterval time.Duration
	PublicTrackingURL string
}

type AfterSaleConfig struct {
	MinDescriptionLength int
	MaxVideoBytes        int64
	MaxImageBytes        int64
	MaxImages            int
	EvidenceDir          string
	EvidenceBaseURL      string
}

type RateLimitConfig struct {
	TrackingPerMinute int
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	LeaseTimeout time.Duration
	// InProcess runs the dispatcher inside the API process; disable it when cmd/outbox-worker runs.
	InProcess bool
}

type AuthConfig struct {
	// Mode is "oidc" or "hmac".
	Mode       string
	Issuer     string
	HMACSecret string
	AdminRole  string
	// ServiceRole is carried by the payment service's client token.
	ServiceRole string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", ":8085"),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:              os.Getenv("POSTGRES_DSN"),
			Host:             getEnv("DB_HOST", "localhost"),
			Port:             getEnv("DB_PORT", "5432"),
			Username:         getEnv("DB_USERNAME", "fulfillment"),
			Password:         getEnv("DB_PASSWORD", "fulfillment"),
			Database:         getEnv("DB_NAME", "fulfillment"),
			SSLMode:          getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:      time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			ConnectRetries:   getEnvInt("DB_CONNECT_RETRIES", 5),
			MigrationsDir:    getEnv("MIGRATIONS_DIR", "./migrations"),
			AutoMigrate:      getEnvBool("AUTO_MIGRATE", true),
			AutoCreateSchema: getEnvBool("AUTO_CREATE_SCHEMA", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("ORDER_LOCK_TTL", 10*time.Second),
			LockWait: getEnvDuration("ORDER_LOCK_WAIT", 3*time.Second),
			Enabled:  getEnvBool("REDIS_ENABLED", true),

			AnalyticsTTL: getEnvDuration("ANALYTICS_CACHE_TTL", time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			GroupID: getEnv("KAFKA_GROUP_ID", "fulfillment-service"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				OrderStatus:       getEnv("KAFKA_TOPIC_ORDER_STATUS", "marketplace.order.status"),
				ShippingEvents:    getEnv("KAFKA_TOPIC_SHIPPING_EVENTS", "marketplace.shipping.events"),
				AfterSaleDecision: getEnv("KAFKA_TOPIC_AFTERSALE", "marketplace.aftersale.decisions"),
				PaymentStatus:     getEnv("KAFKA_TOPIC_PAYMENT_STATUS", "marketplace.payment.status"),
			},
		},
		Commission: CommissionConfig{
			Percent: getEnv("COMMISSION_PERCENT", "10"),
		},
		Shipping: ShippingConfig{
			TrackingPrefix:    getEnv("TRACKING_PREFIX", "MKT"),
			GracePeriod:       getEnvDuration("DELIVERY_GRACE_PERIOD", 0),
			PromotionInterval: getEnvDuration("DELIVERY_PROMOTION_INTERVAL", time.Hour),
			PublicTrackingURL: getEnv("PUBLIC_TRACKING_URL", "http://localhost:8085/api/track/"),
		},
		AfterSale: AfterSaleConfig{
			MinDescriptionLength: getEnvInt("AFTERSALE_MIN_DESCRIPTION", 20),
			MaxVideoBytes:        int64(getEnvInt("AFTERSALE_MAX_VIDEO_MB", 50)) << 20,
			MaxImageBytes:        int64(getEnvInt("AFTERSALE_MAX_IMAGE_MB", 5)) << 20,
			MaxImages:            getEnvInt("AFTERSALE_MAX_IMAGES", 5),
			EvidenceDir:          getEnv("EVIDENCE_DIR", "./data/evidence"),
			EvidenceBaseURL:      getEnv("EVIDENCE_BASE_URL", "/evidence/"),
		},
		RateLimit: RateLimitConfig{
			TrackingPerMinute: getEnvInt("TRACKING_RATE_LIMIT_PER_MINUTE", 60),
		},
		Outbox: OutboxConfig{
			PollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			BatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts:  getEnvInt("OUTBOX_MAX_ATTEMPTS", 10),
			LeaseTimeout: getEnvDuration("OUTBOX_LEASE_TIMEOUT", 30*time.Second),
			InProcess:    getEnvBool("OUTBOX_IN_PROCESS", true),
		},
		Auth: AuthConfig{
			Mode:       getEnv("AUTH_MODE", "oidc"),
			Issuer:     os.Getenv("OIDC_ISSUER"),
			HMACSecret: os.Getenv("JWT_HMAC_SECRET"),
			AdminRole:  getEnv("ADMIN_ROLE", "admin"),

			ServiceRole: getEnv("PAYMENT_SERVICE_ROLE", "payment-service"),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			Currency:      strings.ToLower(getEnv("CURRENCY", "usd")),
		},
	}
}

// Validate reports every setting that would make the service misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Commission.Percent == "" {
		errs = append(errs, errors.New("COMMISSION_PERCENT must be set"))
	}
	if c.Shipping.GracePeriod < 0 {
		errs = append(errs, errors.New("DELIVERY_GRACE_PERIOD must not be negative"))
	}
	if c.Shipping.TrackingPrefix == "" {
		errs = append(errs, errors.New("TRACKING_PREFIX must be set"))
	}
	if c.Database.ConnectRetries < 1 {
		errs = append(errs, errors.New("DB_CONNECT_RETRIES must be at least 1"))
	}
	if c.AfterSale.MaxImages < 1 {
		errs = append(errs, errors.New("AFTERSALE_MAX_IMAGES must be at least 1"))
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be at least 1"))
	}
	switch c.Auth.Mode {
	case "oidc":
		if c.Auth.Issuer == "" {
			errs = append(errs, errors.New("OIDC_ISSUER must be set when AUTH_MODE=oidc"))
		}
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("JWT_HMAC_SECRET must be set when AUTH_MODE=hmac"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
