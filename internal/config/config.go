package config

import (
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"gaslessrelay/internal/logger"
)

// AppConfig ties together every section the relay needs at startup.
type AppConfig struct {
	Service ServiceConfig
	Chain   ChainConfig
	Relay   RelayConfig
	Fees    FeeConfig
	Store   StoreConfig
	Log     LogConfig
}

type ServiceConfig struct {
	HTTPPort            int
	AllowedOrigins      []string
	RateLimitRPS        float64
	RateLimitBurst      int
	HMACSecret          string
	HMACClockSkew       time.Duration
	HMACSignatureHeader string
	HMACTimestampHeader string
	DLQPath             string
	// ShutdownTimeout bounds each shutdown step separately.
	ShutdownTimeout time.Duration
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	Network         string
}

// RelayConfig drives the submission pipeline.
type RelayConfig struct {
	MinReserve         *big.Int
	MaxAttempts        int
	SubmitTimeout      time.Duration
	ConfirmTimeout     time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	GasLimitMultiplier float64
	GasLimitStep       float64
	GasLimitCeiling    uint64
	CheckNonce         bool
}

type FeeConfig struct {
	ReliabilityFactor float64
	MinMaxFee         *big.Int
	MinPriorityFee    *big.Int
	MinGasPrice       *big.Int
	FallbackGasPrice  *big.Int
}

type StoreConfig struct {
	Backend     string
	Path        string
	PostgresDSN string
	RedisURL    string
}

type LogConfig struct {
	Level    logger.Level
	Coloring bool
}

const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Defaults target Polygon Amoy, whose fee snapshots tend to under-report the
// tip actually needed for inclusion.
const (
	DefaultNetwork            = "amoy"
	DefaultMinReserveWei      = "100000000000000000" // 0.1 POL
	DefaultMaxAttempts        = 3
	DefaultGasLimitMultiplier = 1.2
	DefaultGasLimitStep       = 0.2
	DefaultGasLimitCeiling    = 1_000_000
	DefaultReliabilityFactor  = 1.2
	DefaultMinMaxFeeWei       = "50000000000"  // 50 gwei
	DefaultMinPriorityFeeWei  = "30000000000"  // 30 gwei
	DefaultMinGasPriceWei     = "30000000000"  // 30 gwei
	DefaultFallbackGasPrice   = "200000000000" // 200 gwei
	DefaultSignatureHeader    = "X-Request-Signature"
	DefaultTimestampHeader    = "X-Request-Timestamp"
)

// Load aggregates configuration from an optional .env file and the environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	minReserve, err := envOrBig("MIN_RESERVE_WEI", DefaultMinReserveWei)
	if err != nil {
		return nil, err
	}
	minMaxFee, err := envOrBig("MIN_MAX_FEE_WEI", DefaultMinMaxFeeWei)
	if err != nil {
		return nil, err
	}
	minPriority, err := envOrBig("MIN_PRIORITY_FEE_WEI", DefaultMinPriorityFeeWei)
	if err != nil {
		return nil, err
	}
	minGasPrice, err := envOrBig("MIN_GAS_PRICE_WEI", DefaultMinGasPriceWei)
	if err != nil {
		return nil, err
	}
	fallback, err := envOrBig("FALLBACK_GAS_PRICE_WEI", DefaultFallbackGasPrice)
	if err != nil {
		return nil, err
	}
	logLevel, err := logger.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:            envOrInt("API_HTTP_PORT", 3000),
			AllowedOrigins:      splitList(envOr("ALLOWED_ORIGINS", "")),
			RateLimitRPS:        envOrFloat("RATE_LIMIT_RPS", 100.0/(15*60)),
			RateLimitBurst:      envOrInt("RATE_LIMIT_BURST", 100),
			HMACSecret:          envOr("API_HMAC_SECRET", ""),
			HMACClockSkew:       time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			HMACSignatureHeader: envOr("HMAC_SIGNATURE_HEADER", DefaultSignatureHeader),
			HMACTimestampHeader: envOr("HMAC_TIMESTAMP_HEADER", DefaultTimestampHeader),
			DLQPath:             envOr("DLQ_PATH", ""),
			ShutdownTimeout:     time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:          envOr("CHAIN_RPC_URL", ""),
			PrivateKey:      envOr("RELAYER_PRIVATE_KEY", ""),
			ContractAddress: envOr("CONTRACT_ADDRESS", ""),
			Network:         envOr("NETWORK", DefaultNetwork),
		},
		Relay: RelayConfig{
			MinReserve:         minReserve,
			MaxAttempts:        envOrInt("MAX_ATTEMPTS", DefaultMaxAttempts),
			SubmitTimeout:      time.Duration(envOrInt("SUBMIT_TIMEOUT_SECONDS", 15)) * time.Second,
			ConfirmTimeout:     time.Duration(envOrInt("CONFIRM_TIMEOUT_SECONDS", 30)) * time.Second,
			BackoffBase:        time.Duration(envOrInt("BACKOFF_BASE_MS", 500)) * time.Millisecond,
			BackoffMax:         time.Duration(envOrInt("BACKOFF_MAX_MS", 8000)) * time.Millisecond,
			GasLimitMultiplier: envOrFloat("GAS_LIMIT_MULTIPLIER", DefaultGasLimitMultiplier),
			GasLimitStep:       envOrFloat("GAS_LIMIT_STEP", DefaultGasLimitStep),
			GasLimitCeiling:    uint64(envOrInt("GAS_LIMIT_CEILING", DefaultGasLimitCeiling)),
			CheckNonce:         envOrBool("CHECK_NONCE", true),
		},
		Fees: FeeConfig{
			ReliabilityFactor: envOrFloat("FEE_RELIABILITY_FACTOR", DefaultReliabilityFactor),
			MinMaxFee:         minMaxFee,
			MinPriorityFee:    minPriority,
			MinGasPrice:       minGasPrice,
			FallbackGasPrice:  fallback,
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(envOr("STORE_BACKEND", StoreFile)),
			Path:        envOr("STORE_PATH", filepath.Join(os.TempDir(), "gaslessrelay-tx.json")),
			PostgresDSN: envOr("POSTGRES_DSN", ""),
			RedisURL:    envOr("REDIS_URL", ""),
		},
		Log: LogConfig{
			Level:    logLevel,
			Coloring: envOrBool("LOG_COLORING", true),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.Service.HTTPPort < 0 || cfg.Service.HTTPPort > 65535 {
		return fmt.Errorf("API_HTTP_PORT out of range: %d", cfg.Service.HTTPPort)
	}
	if http.CanonicalHeaderKey(cfg.Service.HMACSignatureHeader) == http.CanonicalHeaderKey(cfg.Service.HMACTimestampHeader) {
		return fmt.Errorf("HMAC_SIGNATURE_HEADER and HMAC_TIMESTAMP_HEADER must differ")
	}
	if cfg.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be greater than 0")
	}
	if cfg.Relay.GasLimitMultiplier < 1 {
		return fmt.Errorf("GAS_LIMIT_MULTIPLIER must be at least 1")
	}
	if cfg.Fees.ReliabilityFactor < 1 {
		return fmt.Errorf("FEE_RELIABILITY_FACTOR must be at least 1")
	}
	if cfg.Chain.PrivateKey != "" && cfg.Chain.RPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required when RELAYER_PRIVATE_KEY is set")
	}
	if cfg.Chain.RPCURL != "" && !common.IsHexAddress(cfg.Chain.ContractAddress) {
		return fmt.Errorf("invalid CONTRACT_ADDRESS value: %q, must be a valid address", cfg.Chain.ContractAddress)
	}
	switch cfg.Store.Backend {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	case StoreRedis:
		if cfg.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND value: %s", cfg.Store.Backend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
		log.Printf("Warning: invalid %s value %q, using %d", key, val, fallback)
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil && parsed > 0 {
			return parsed
		}
		log.Printf("Warning: invalid %s value %q, using %g", key, val, fallback)
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		log.Printf("Warning: invalid %s value %q, using %t", key, val, fallback)
	}
	return fallback
}

func envOrBig(key, fallback string) (*big.Int, error) {
	raw := envOr(key, fallback)
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s value: %s, must be a non-negative integer string", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
