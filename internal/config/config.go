package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/joho/godotenv"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Replay guard backends
const (
	ReplayBackendStore  = "store"
	ReplayBackendRedis  = "redis"
	ReplayBackendMemory = "memory"
)

const encryptionKeySize = 32

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	TwoFactor TwoFactorConfig
	Replay    ReplayConfig
	Notify    NotifyConfig
	RateLimit RateLimitConfig
}

type DatabaseConfig struct {
	Driver            string
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	AllowedOrigins  []string
	TrustedProxies  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
}

// TwoFactorConfig holds the verification policy and secret protection settings
type TwoFactorConfig struct {
	Issuer            string
	Params            models.AlgorithmParams
	WindowSteps       int
	SecretSize        int
	RecoveryCodeCount int
	RecoveryHashCost  int
	StoreTimeout      time.Duration
	PendingTTL        time.Duration
	CleanupInterval   time.Duration
	EncryptionKey     []byte
	TimingBaseDelayMs int
	TimingJitterMs    int
}

type ReplayConfig struct {
	Backend  string
	RedisURL string
	RedisTTL time.Duration
}

// NotifyConfig controls security e-mails sent through SES
type NotifyConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

type RateLimitConfig struct {
	PerIPPerMinute        int
	PerPrincipalPerMinute int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:            strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "totpguard"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             env,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS"),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
		},
		TwoFactor: TwoFactorConfig{
			Issuer: getEnv("TOTP_ISSUER", "totpguard"),
			Params: models.AlgorithmParams{
				Algorithm: models.Algorithm(strings.ToUpper(getEnv("TOTP_ALGORITHM", string(models.AlgorithmSHA1)))),
				Digits:    getEnvAsInt("TOTP_DIGITS", models.DefaultDigits),
				Period:    getEnvAsInt("TOTP_PERIOD", models.DefaultPeriod),
			},
			WindowSteps:       getEnvAsInt("TOTP_WINDOW_STEPS", 1),
			SecretSize:        getEnvAsInt("TOTP_SECRET_SIZE", 20),
			RecoveryCodeCount: getEnvAsInt("RECOVERY_CODE_COUNT", 8),
			RecoveryHashCost:  getEnvAsInt("RECOVERY_HASH_COST", 10),
			StoreTimeout:      getEnvAsDuration("TWO_FACTOR_STORE_TIMEOUT", 3*time.Second),
			PendingTTL:        getEnvAsDuration("PENDING_ENROLLMENT_TTL", 24*time.Hour),
			CleanupInterval:   getEnvAsDuration("PENDING_CLEANUP_INTERVAL", 1*time.Hour),
			TimingBaseDelayMs: getEnvAsInt("VERIFY_BASE_DELAY_MS", 100),
			TimingJitterMs:    getEnvAsInt("VERIFY_JITTER_MS", 50),
		},
		Replay: ReplayConfig{
			Backend:  strings.ToLower(getEnv("REPLAY_BACKEND", ReplayBackendStore)),
			RedisURL: getEnv("REDIS_URL", ""),
			RedisTTL: getEnvAsDuration("REPLAY_REDIS_TTL", 10*time.Minute),
		},
		Notify: NotifyConfig{
			Enabled:     getEnvAsBool("NOTIFY_ENABLED", false),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("NOTIFY_FROM_ADDRESS", ""),
		},
		RateLimit: RateLimitConfig{
			PerIPPerMinute:        getEnvAsInt("RATE_LIMIT_PER_IP", 10),
			PerPrincipalPerMinute: getEnvAsInt("RATE_LIMIT_PER_PRINCIPAL", 5),
		},
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	if err := cfg.validateTwoFactor(); err != nil {
		return nil, err
	}
	if cfg.Notify.Enabled && cfg.Notify.FromAddress == "" {
		return nil, fmt.Errorf("NOTIFY_FROM_ADDRESS is required when NOTIFY_ENABLED is set")
	}

	return cfg, nil
}

func (c *Config) validateStorage() error {
	switch c.Database.Driver {
	case StoreDriverPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
		key, err := parseEncryptionKey(getEnv("TOTP_ENCRYPTION_KEY", ""))
		if err != nil {
			return err
		}
		c.TwoFactor.EncryptionKey = key
	case StoreDriverMemory:
		if c.Server.Env == "production" {
			return fmt.Errorf("STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Database.Driver)
	}

	switch c.Replay.Backend {
	case ReplayBackendStore, ReplayBackendMemory:
	case ReplayBackendRedis:
		if c.Replay.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REPLAY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("REPLAY_BACKEND must be one of store, redis or memory, got %q", c.Replay.Backend)
	}
	return nil
}

func (c *Config) validateTwoFactor() error {
	tf := c.TwoFactor
	if err := tf.Params.Validate(); err != nil {
		return fmt.Errorf("TOTP parameters: %w", err)
	}
	if tf.WindowSteps < 0 || tf.WindowSteps > 10 {
		return fmt.Errorf("TOTP_WINDOW_STEPS must be between 0 and 10, got %d", tf.WindowSteps)
	}
	if tf.SecretSize < 16 {
		return fmt.Errorf("TOTP_SECRET_SIZE must be at least 16 bytes, got %d", tf.SecretSize)
	}
	if tf.RecoveryCodeCount <= 0 {
		return fmt.Errorf("RECOVERY_CODE_COUNT must be positive, got %d", tf.RecoveryCodeCount)
	}
	if tf.StoreTimeout <= 0 {
		return fmt.Errorf("TWO_FACTOR_STORE_TIMEOUT must be positive")
	}
	if c.Replay.Backend == ReplayBackendRedis {
		// A consumed counter must outlive every step in which its code still matches
		span := time.Duration(2*tf.WindowSteps+1) * time.Duration(tf.Params.Period) * time.Second
		if c.Replay.RedisTTL <= span {
			return fmt.Errorf("REPLAY_REDIS_TTL must exceed the code validity span of %s, got %s", span, c.Replay.RedisTTL)
		}
	}
	return nil
}

// parseEncryptionKey decodes a base64 AES-256 key
func parseEncryptionKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be base64 encoded")
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to %d bytes, got %d", encryptionKeySize, len(key))
	}
	return key, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma-separated variable, dropping empty entries
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
