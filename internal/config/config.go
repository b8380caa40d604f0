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
	HTTPAddr    string

	// CronSecret authenticates POST /jobs/* triggers from the external scheduler.
	CronSecret string
	// AdminTokens is parsed from ADMIN_API_TOKENS ("name:role:token,...").
	AdminTokens     []AdminToken
	CORSAllowOrigin []string

	OTLPEndpoint string

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
	// DBURL, when set, replaces the host/port/user fields for postgres.
	DBURL           string
	DBLogLevel      string
	DBSlowThreshold time.Duration

	Redis         RedisConfig
	DeviceGateway DeviceGatewayConfig
	KeyCode       KeyCodeConfig
	Payments      PaymentsConfig
	Scheduler     SchedulerConfig
}

type AdminToken struct {
	Name  string
	Role  string
	Token string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type DeviceGatewayConfig struct {
	// Mode is "http" for the vendor API or "sandbox" for the in-memory gateway.
	Mode     string
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	RatePerSecond float64
	Burst         int
	// SharedRatePerSecond enables the redis token bucket when redis is enabled.
	SharedRatePerSecond float64
	SharedBurst         int
	CallDelay           time.Duration
}

type KeyCodeConfig struct {
	Strategy          string
	Length            int
	Alphabet          string
	ForbiddenPrefixes []string
	Secret            string
}

type SchedulerConfig struct {
	// Enabled starts the in-process ticker; HTTP triggers work regardless.
	Enabled           bool
	RunInterval       time.Duration
	Jobs              []string
	ExpirationGrace   time.Duration
	PurgeRetention    time.Duration
	RecoveryThreshold time.Duration
	LockTTL           time.Duration
}

type PaymentsConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
}

const (
	GatewayModeHTTP    = "http"
	GatewayModeSandbox = "sandbox"

	KeyCodeStrategyRandom        = "random"
	KeyCodeStrategyDeterministic = "deterministic"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getenv("APP_SERVICE", "staykey"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Environment:     getenv("ENVIRONMENT", "development"),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		CronSecret:      strings.TrimSpace(getenv("CRON_SECRET", "")),
		AdminTokens:     parseAdminTokens(getenv("ADMIN_API_TOKENS", "")),
		CORSAllowOrigin: parseList(getenv("CORS_ALLOW_ORIGINS", "")),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "staykey"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBURL:             strings.TrimSpace(getenv("DATABASE_URL", "")),
		DBLogLevel:        getenv("DATABASE_LOG_LEVEL", "warn"),
		DBSlowThreshold:   getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		DeviceGateway: DeviceGatewayConfig{
			Mode:                strings.ToLower(getenv("DEVICE_GATEWAY_MODE", GatewayModeHTTP)),
			BaseURL:             strings.TrimRight(getenv("DEVICE_GATEWAY_URL", "https://api.nuki.io"), "/"),
			APIToken:            strings.TrimSpace(getenv("DEVICE_GATEWAY_TOKEN", "")),
			Timeout:             getenvDuration("DEVICE_GATEWAY_TIMEOUT", 10*time.Second),
			RatePerSecond:       getenvFloat("DEVICE_GATEWAY_RATE", 2),
			Burst:               getenvInt("DEVICE_GATEWAY_BURST", 1),
			SharedRatePerSecond: getenvFloat("DEVICE_GATEWAY_SHARED_RATE", 5),
			SharedBurst:         getenvInt("DEVICE_GATEWAY_SHARED_BURST", 5),
			CallDelay:           getenvDuration("DEVICE_GATEWAY_CALL_DELAY", 300*time.Millisecond),
		},
		KeyCode: KeyCodeConfig{
			Strategy:          strings.ToLower(getenv("KEYCODE_STRATEGY", KeyCodeStrategyRandom)),
			Length:            getenvInt("KEYCODE_LENGTH", 6),
			Alphabet:          getenv("KEYCODE_ALPHABET", "123456789"),
			ForbiddenPrefixes: parseList(getenv("KEYCODE_FORBIDDEN_PREFIXES", "12")),
			Secret:            getenv("KEYCODE_SECRET", ""),
		},
		Payments: PaymentsConfig{
			WebhookSecret:    strings.TrimSpace(getenv("PAYMENTS_WEBHOOK_SECRET", "")),
			WebhookTolerance: getenvDuration("PAYMENTS_WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			Enabled:           getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:       getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			Jobs:              parseList(getenv("SCHEDULER_JOBS", "")),
			ExpirationGrace:   getenvDuration("KEY_EXPIRATION_GRACE", 4*time.Hour),
			PurgeRetention:    getenvDuration("KEY_PURGE_RETENTION", 30*24*time.Hour),
			RecoveryThreshold: getenvDuration("RETRY_RECOVERY_THRESHOLD", 15*time.Minute),
			LockTTL:           getenvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseAdminTokens(raw string) []AdminToken {
	out := make([]AdminToken, 0)
	for _, entry := range parseList(raw) {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			continue
		}
		token := AdminToken{
			Name:  strings.TrimSpace(parts[0]),
			Role:  strings.ToLower(strings.TrimSpace(parts[1])),
			Token: strings.TrimSpace(parts[2]),
		}
		if token.Name == "" || token.Role == "" || token.Token == "" {
			continue
		}
		out = append(out, token)
	}
	return out
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
