package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/totpguard/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "test")
	t.Setenv("TOTP_ENCRYPTION_KEY", testKey)
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.Database.Driver)
	assert.Equal(t, ReplayBackendStore, cfg.Replay.Backend)
	assert.Equal(t, models.DefaultAlgorithmParams(), cfg.TwoFactor.Params)
	assert.Equal(t, 1, cfg.TwoFactor.WindowSteps)
	assert.Equal(t, 8, cfg.TwoFactor.RecoveryCodeCount)
	assert.Equal(t, 3*time.Second, cfg.TwoFactor.StoreTimeout)
	assert.Len(t, cfg.TwoFactor.EncryptionKey, 32)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout)
	assert.False(t, cfg.Notify.Enabled)
}

func TestLoad_CustomTwoFactorSettings(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TOTP_ALGORITHM", "sha256")
	t.Setenv("TOTP_DIGITS", "8")
	t.Setenv("TOTP_PERIOD", "60")
	t.Setenv("TOTP_WINDOW_STEPS", "2")
	t.Setenv("TWO_FACTOR_STORE_TIMEOUT", "500ms")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, models.AlgorithmParams{Algorithm: models.AlgorithmSHA256, Digits: 8, Period: 60}, cfg.TwoFactor.Params)
	assert.Equal(t, 2, cfg.TwoFactor.WindowSteps)
	assert.Equal(t, 500*time.Millisecond, cfg.TwoFactor.StoreTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.Server.TrustedProxies)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "missing jwt secret", env: map[string]string{"JWT_SECRET": ""}, wantErr: "JWT_SECRET is required"},
		{name: "weak jwt secret", env: map[string]string{"JWT_SECRET": "short"}, wantErr: "at least 16"},
		{name: "missing encryption key", env: map[string]string{"TOTP_ENCRYPTION_KEY": ""}, wantErr: "TOTP_ENCRYPTION_KEY is required"},
		{name: "short encryption key", env: map[string]string{"TOTP_ENCRYPTION_KEY": base64.StdEncoding.EncodeToString([]byte("short"))}, wantErr: "32 bytes"},
		{name: "bad digits", env: map[string]string{"TOTP_DIGITS": "5"}, wantErr: "digits"},
		{name: "bad algorithm", env: map[string]string{"TOTP_ALGORITHM": "MD5"}, wantErr: "unsupported algorithm"},
		{name: "bad window", env: map[string]string{"TOTP_WINDOW_STEPS": "11"}, wantErr: "TOTP_WINDOW_STEPS"},
		{name: "unknown driver", env: map[string]string{"STORE_DRIVER": "mysql"}, wantErr: "STORE_DRIVER"},
		{name: "redis without url", env: map[string]string{"REPLAY_BACKEND": "redis"}, wantErr: "REDIS_URL"},
		{name: "redis ttl shorter than wide window", env: map[string]string{"REPLAY_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379/0", "TOTP_WINDOW_STEPS": "10"}, wantErr: "REPLAY_REDIS_TTL"},
		{name: "redis ttl shorter than long period", env: map[string]string{"REPLAY_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379/0", "TOTP_PERIOD": "300"}, wantErr: "REPLAY_REDIS_TTL"},
		{name: "redis ttl equal to validity span", env: map[string]string{"REPLAY_BACKEND": "redis", "REDIS_URL": "redis://localhost:6379/0", "REPLAY_REDIS_TTL": "90s"}, wantErr: "REPLAY_REDIS_TTL"},
		{name: "memory store in production", env: map[string]string{"STORE_DRIVER": "memory", "ENV": "production", "JWT_SECRET": strings.Repeat("x", 40)}, wantErr: "not allowed in production"},
		{name: "notify without sender", env: map[string]string{"NOTIFY_ENABLED": "true"}, wantErr: "NOTIFY_FROM_ADDRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_RedisTTLCoversValidityWindow(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REPLAY_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TOTP_WINDOW_STEPS", "10")
	t.Setenv("REPLAY_REDIS_TTL", "11m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 11*time.Minute, cfg.Replay.RedisTTL)
}

func TestLoad_MemoryDriverNeedsNoDatabase(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REPLAY_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.Database.Driver)
	assert.Empty(t, cfg.TwoFactor.EncryptionKey)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Name: "n", SSLMode: "require"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=require", c.DSN())
}
