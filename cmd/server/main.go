package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/config"
	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/logger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/relay"
	"gaslessrelay/internal/server"
	"gaslessrelay/internal/txstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	base := logger.NewStdLogger(cfg.Log.Coloring, cfg.Log.Level)
	appLog := base.With("main")

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("status store error: %v", err)
	}
	defer closeStore()
	appLog.Info("status store: %s", cfg.Store.Backend)

	var client ledger.Client
	if cfg.Chain.RPCURL != "" {
		ethClient, err := ledger.NewEthClient(ctx, ledger.EthClientConfig{
			RPCURL:          cfg.Chain.RPCURL,
			PrivateKeyHex:   cfg.Chain.PrivateKey,
			ContractAddress: cfg.Chain.ContractAddress,
		})
		if err != nil {
			log.Fatalf("ledger client error: %v", err)
		}
		defer ethClient.Close()
		if cfg.Chain.PrivateKey == "" {
			appLog.Notice("RELAYER_PRIVATE_KEY not set, submissions will be rejected")
		}
		client = ethClient
	} else {
		appLog.Notice("CHAIN_RPC_URL not set, using the in-memory ledger")
		client = ledger.NewFakeClient()
	}
	appLog.Info("relay identity %s on %s", client.RelayAddress().Hex(), cfg.Chain.Network)

	registry := metrics.NewRegistry()
	deadLetters := relay.NewDeadLetters(cfg.Service.DLQPath, registry, base.With("dlq"))
	deadLetters.UpdateDepth()

	validator := &intent.Validator{Network: cfg.Chain.Network}
	if common.IsHexAddress(cfg.Chain.ContractAddress) {
		validator.Contract = common.HexToAddress(cfg.Chain.ContractAddress)
	}

	estimator := fees.NewEstimator(fees.Config{
		ReliabilityFactor: cfg.Fees.ReliabilityFactor,
		MinMaxFee:         cfg.Fees.MinMaxFee,
		MinPriorityFee:    cfg.Fees.MinPriorityFee,
		MinGasPrice:       cfg.Fees.MinGasPrice,
		FallbackGasPrice:  cfg.Fees.FallbackGasPrice,
	})

	pipeline := relay.NewPipeline(relay.Config{
		MinReserve:         cfg.Relay.MinReserve,
		MaxAttempts:        cfg.Relay.MaxAttempts,
		SubmitTimeout:      cfg.Relay.SubmitTimeout,
		ConfirmTimeout:     cfg.Relay.ConfirmTimeout,
		BackoffBase:        cfg.Relay.BackoffBase,
		BackoffMax:         cfg.Relay.BackoffMax,
		GasLimitMultiplier: cfg.Relay.GasLimitMultiplier,
		GasLimitStep:       cfg.Relay.GasLimitStep,
		GasLimitCeiling:    cfg.Relay.GasLimitCeiling,
		CheckNonce:         cfg.Relay.CheckNonce,
	}, validator, client, store, estimator,
		relay.WithMetrics(registry),
		relay.WithDeadLetters(deadLetters),
		relay.WithLogger(base.With("relay")),
	)

	apiServer := server.NewServer(cfg, pipeline, store, registry, base.With("api"))

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	appLog.Info("received %s, shutting down", sig)

	shutdown(appLog, apiServer, pipeline, cfg.Service.ShutdownTimeout)
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

type drainer interface {
	Wait(ctx context.Context) error
}

// shutdown stops the HTTP server and then drains the pipeline, each with its
// own timeout. Waiting /submit handlers can hold the server for its whole
// budget, and the pipeline still needs time after that.
func shutdown(log logger.Logger, srv stopper, pipeline drainer, timeout time.Duration) {
	httpCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error("http shutdown: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	defer cancelDrain()
	if err := pipeline.Wait(drainCtx); err != nil {
		log.Error("in-flight submissions still running at exit: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (txstore.Store, func(), error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return txstore.NewMemoryStore(), func() {}, nil
	case config.StorePostgres:
		s, err := txstore.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.StoreRedis:
		s, err := txstore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := txstore.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}
