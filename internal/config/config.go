package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr      string
	AdminHTTPAddr string
	SnowflakeNode int64
	// TrustedProxies lists the proxy IPs or CIDRs whose X-Forwarded-For is
	// honoured for client IPs. Empty trusts none.
	TrustedProxies []string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Stripe    StripeConfig
	Identity  IdentityConfig
	License   LicenseConfig
	Checkout  CheckoutConfig
	Admin     AdminConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Lock      LockConfig
	Retention RetentionConfig
}

type TelemetryConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

type StripeConfig struct {
	SecretKey string
	PriceID   string
	// WebhookSecrets are tried in order so a rotated secret keeps verifying
	// until the provider stops signing with it.
	WebhookSecrets   []string
	WebhookTolerance time.Duration
}

type IdentityConfig struct {
	// Provider is "oidc" or "hmac". hmac is meant for development and tests.
	Provider   string
	Issuer     string
	Audience   string
	JWKSURL    string
	HMACSecret string
}

type LicenseConfig struct {
	// SigningKey is a base64 encoded Ed25519 seed or private key.
	SigningKey string
	KeyID      string
	Validity   time.Duration
}

type CheckoutConfig struct {
	SuccessURL           string
	CancelURL            string
	PortalReturnURL      string
	AllowedRedirectHosts []string
}

type AdminConfig struct {
	// Keys maps a pre-shared admin key to its role.
	Keys map[string]string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

type LockConfig struct {
	Backend string
	TTL     time.Duration
}

type RetentionConfig struct {
	EventWindow time.Duration
	Interval    time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "licensing"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       environment,
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		AdminHTTPAddr:     getenv("ADMIN_HTTP_ADDR", ":8081"),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		TrustedProxies:    parseList(getenv("TRUSTED_PROXIES", "")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "licensing"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Stripe: StripeConfig{
			SecretKey:        strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			PriceID:          strings.TrimSpace(getenv("STRIPE_PRICE_ID", "")),
			WebhookSecrets:   parseList(getenv("STRIPE_WEBHOOK_SECRETS", getenv("STRIPE_WEBHOOK_SECRET", ""))),
			WebhookTolerance: getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Identity: IdentityConfig{
			Provider:   strings.ToLower(getenv("IDENTITY_PROVIDER", "oidc")),
			Issuer:     strings.TrimSpace(getenv("IDENTITY_ISSUER", "")),
			Audience:   strings.TrimSpace(getenv("IDENTITY_AUDIENCE", "")),
			JWKSURL:    strings.TrimSpace(getenv("IDENTITY_JWKS_URL", "")),
			HMACSecret: strings.TrimSpace(getenv("IDENTITY_HMAC_SECRET", "")),
		},
		License: LicenseConfig{
			SigningKey: strings.TrimSpace(getenv("LICENSE_SIGNING_KEY", "")),
			KeyID:      getenv("LICENSE_KEY_ID", "default"),
			Validity:   getenvDuration("LICENSE_VALIDITY", 35*24*time.Hour),
		},
		Checkout: CheckoutConfig{
			SuccessURL:           getenv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
			CancelURL:            getenv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancel"),
			PortalReturnURL:      getenv("BILLING_PORTAL_RETURN_URL", "http://localhost:3000/account"),
			AllowedRedirectHosts: parseList(getenv("CHECKOUT_ALLOWED_REDIRECT_HOSTS", "localhost:3000")),
		},
		Admin: AdminConfig{
			Keys: parseAdminKeys(getenv("ADMIN_KEYS", "")),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", false),
			RequestsPerMinute: int(getenvInt64("RATE_LIMIT_REQUESTS_PER_MINUTE", 60)),
			Burst:             int(getenvInt64("RATE_LIMIT_BURST", 60)),
		},
		Lock: LockConfig{
			Backend: strings.ToLower(getenv("SUBJECT_LOCK_BACKEND", "local")),
			TTL:     getenvDuration("SUBJECT_LOCK_TTL", 10*time.Second),
		},
		Retention: RetentionConfig{
			EventWindow: getenvDuration("RETENTION_EVENT_WINDOW", 30*24*time.Hour),
			Interval:    getenvDuration("RETENTION_INTERVAL", 6*time.Hour),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90s", "6h") or a bare number
// of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parseAdminKeys reads "role:key,role:key". Entries without a role default to
// operator.
func parseAdminKeys(raw string) map[string]string {
	keys := map[string]string{}
	for _, entry := range parseList(raw) {
		role, key, found := strings.Cut(entry, ":")
		if !found {
			key = role
			role = "operator"
		}
		role = strings.ToLower(strings.TrimSpace(role))
		key = strings.TrimSpace(key)
		if key == "" || role == "" {
			continue
		}
		keys[key] = role
	}
	return keys
}
