package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gaslessrelay/internal/logger"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("RELAYER_PRIVATE_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, DefaultMaxAttempts, cfg.Relay.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Relay.SubmitTimeout)
	assert.Equal(t, DefaultNetwork, cfg.Chain.Network)
	assert.Equal(t, 0, cfg.Relay.MinReserve.Cmp(big.NewInt(100000000000000000)))
	assert.Equal(t, logger.InfoLevel, cfg.Log.Level)
	assert.True(t, cfg.Relay.CheckNonce)
	assert.Equal(t, "X-Request-Signature", cfg.Service.HMACSignatureHeader)
	assert.Equal(t, "X-Request-Timestamp", cfg.Service.HMACTimestampHeader)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("MIN_PRIORITY_FEE_WEI", "1000")
	t.Setenv("CHECK_NONCE", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HMAC_SIGNATURE_HEADER", "X-Operator-Signature")
	t.Setenv("HMAC_TIMESTAMP_HEADER", "X-Operator-Time")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Service.AllowedOrigins)
	assert.Equal(t, 5, cfg.Relay.MaxAttempts)
	assert.Equal(t, "1000", cfg.Fees.MinPriorityFee.String())
	assert.False(t, cfg.Relay.CheckNonce)
	assert.Equal(t, logger.DebugLevel, cfg.Log.Level)
	assert.Equal(t, "X-Operator-Signature", cfg.Service.HMACSignatureHeader)
	assert.Equal(t, "X-Operator-Time", cfg.Service.HMACTimestampHeader)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad big int", env: map[string]string{"MIN_RESERVE_WEI": "lots"}},
		{name: "unknown store", env: map[string]string{"STORE_BACKEND": "etcd"}},
		{name: "postgres without dsn", env: map[string]string{"STORE_BACKEND": "postgres"}},
		{name: "redis without url", env: map[string]string{"STORE_BACKEND": "redis"}},
		{name: "zero attempts", env: map[string]string{"MAX_ATTEMPTS": "0"}},
		{name: "bad log level", env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "same hmac headers", env: map[string]string{
			"HMAC_SIGNATURE_HEADER": "X-Auth",
			"HMAC_TIMESTAMP_HEADER": "x-auth",
		}},
		{name: "key without contract", env: map[string]string{
			"RELAYER_PRIVATE_KEY": "0x01",
			"CHAIN_RPC_URL":       "http://localhost:8545",
			"CONTRACT_ADDRESS":    "nope",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_BACKEND", "memory")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
