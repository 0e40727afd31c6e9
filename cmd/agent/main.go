// Command agent runs the analytics client as a sidecar. It owns the device
// identity, and exposes page, track and identify over HTTP for processes
// that cannot embed the client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/web3analytics/internal/client"
	"github.com/ComUnity/web3analytics/internal/config"
	"github.com/ComUnity/web3analytics/internal/docstore"
	"github.com/ComUnity/web3analytics/internal/handler"
	"github.com/ComUnity/web3analytics/internal/ledger"
	"github.com/ComUnity/web3analytics/internal/middleware"
	"github.com/ComUnity/web3analytics/internal/seed"
	"github.com/ComUnity/web3analytics/internal/storage"
	"github.com/ComUnity/web3analytics/internal/telemetry"
	"github.com/ComUnity/web3analytics/internal/util/logger"
	"github.com/ComUnity/web3analytics/pkg/analytics"
	"github.com/ComUnity/web3analytics/pkg/security"
)

var version = "development"

func main() {
	configPath := flag.String("config", "config/agent.yaml", "path to the agent configuration")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logger.Errorf("agent stopped: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if config.HasSecretRefs(cfg) {
		resolver, err := config.NewSecretResolver(ctx)
		if err != nil {
			return err
		}
		if err := resolver.Resolve(ctx, cfg); err != nil {
			return err
		}
	}

	logger.ReplaceGlobal(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.Logger.Encoding,
	})

	var checkers []handler.HealthChecker

	// Redis backs the KV store and, optionally, the shared rate limiter.
	var rcli *client.RedisClient
	if cfg.Storage.RedisURL != "" {
		rcli, err = client.NewRedisClient(ctx, client.RedisConfig{URL: cfg.Storage.RedisURL})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		defer rcli.Close()
		checkers = append(checkers, handler.NewPingChecker("redis", cfg.Storage.Driver == "redis", rcli.HealthCheck))
	}

	var kv storage.KV
	switch cfg.Storage.Driver {
	case "redis":
		kv = storage.NewRedisKV(rcli, cfg.Storage.KeyPrefix)
	default:
		fkv, err := storage.NewFileKV(cfg.Storage.Path)
		if err != nil {
			return err
		}
		kv = fkv
	}
	checkers = append(checkers, handler.NewPingChecker("kv", true, kv.Ping))

	var sealer seed.Sealer
	if cfg.KMS.KeyID != "" {
		kmsHelper, err := security.NewKMSHelper(ctx, security.KMSConfig{
			KeyID:             cfg.KMS.KeyID,
			Timeout:           time.Duration(cfg.KMS.TimeoutMS) * time.Millisecond,
			EncryptionContext: cfg.KMS.EncryptionContext,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize KMS helper: %w", err)
		}
		sealer = security.NewSeedSealer(kmsHelper, "web3analytics-seed")
		checkers = append(checkers, handler.NewKMSChecker(kmsHelper))
	}

	var store docstore.Store
	switch cfg.DocStore.Driver {
	case "postgres":
		pg, err := docstore.NewPostgresStore(ctx, docstore.PostgresConfig{
			DatabaseURL:  cfg.DocStore.DatabaseURL,
			MaxOpenConns: cfg.DocStore.MaxOpenConns,
			ConnLifetime: cfg.DocStore.ConnLifetime,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.DocStore.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		store = pg
	default:
		logger.Warn("Using the in-memory document store; events are lost on exit")
		store = docstore.NewMemoryStore()
	}
	checkers = append(checkers, handler.NewPingChecker("docstore", true, store.Ping))

	chain, err := ethclient.DialContext(ctx, cfg.JSONRPCURL)
	if err != nil {
		return fmt.Errorf("dial json-rpc: %w", err)
	}
	defer chain.Close()

	var audit telemetry.Publisher = telemetry.Nop{}
	if cfg.Telemetry.Kafka.Enabled {
		shipper, err := telemetry.NewKafkaAuditShipper(cfg.Telemetry.Kafka)
		if err != nil {
			return err
		}
		shipper.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shipper.Stop(sctx)
		}()
		audit = shipper
	}

	contract := common.HexToAddress(cfg.Contracts.Analytics)
	agent, err := analytics.New(analytics.Options{
		AppID:      cfg.AppID,
		JSONRPCURL: cfg.JSONRPCURL,
		LogLevel:   cfg.LogLevel,
	}, analytics.Dependencies{
		KV:       kv,
		Sealer:   sealer,
		Store:    store,
		Chain:    chain,
		Registry: ledger.NewAnalyticsReader(chain, contract),
		Relay: ledger.RelayConfig{
			URL:            cfg.Relay.URL,
			Forwarder:      common.HexToAddress(cfg.Contracts.Forwarder),
			RequestTimeout: cfg.Relay.RequestTimeout,
			PollInterval:   cfg.Relay.ConfirmPoll,
			ValidFor:       cfg.Relay.ValidFor,
		},
		AnalyticsContract: contract,
		Paymaster:         common.HexToAddress(cfg.Contracts.Paymaster),
		GasLimit:          cfg.Relay.GasLimit,
		ConfirmTimeout:    cfg.Relay.ConfirmTimeout,
		Audit:             audit,
	})
	if err != nil {
		return err
	}

	// An initialization failure leaves tracking disabled; the agent keeps
	// serving so health reports it.
	if err := agent.Initialize(ctx); err != nil {
		logger.Error("Analytics initialization failed: %v", err)
	}
	checkers = append(checkers, handler.NewSessionChecker(agent))

	limiter := middleware.LimiterConfig{
		RatePerInterval:       cfg.Ingest.RatePerInterval,
		Interval:              cfg.Ingest.Interval,
		Burst:                 cfg.Ingest.Burst,
		KeyPrefix:             cfg.Storage.KeyPrefix + "rl:",
		TrustedProxyIPHeaders: cfg.Ingest.TrustedProxyIPHeaders,
		TrustedProxyCIDRs:     cfg.Ingest.TrustedProxyCIDRs,
	}
	if cfg.Ingest.RedisRateLimit && rcli != nil {
		limiter.Redis = rcli
	}

	health := handler.NewHealthHandler(cfg.Env, version, checkers...)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/health", health.ServeHTTP)
	r.Get("/ready", health.ReadinessHandler)
	r.Get("/live", health.LivenessHandler)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRateLimiter(limiter).Handler)
		r.Use(middleware.NewIngestAuditMW(audit, cfg.Ingest.TrustedProxyIPHeaders, cfg.Ingest.TrustedProxyCIDRs).Handler)
		handler.NewEventHandler(agent, cfg.Ingest.MaxBodyBytes, cfg.Delivery.FlushTimeout).Routes(r)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Agent %s listening on %s (did=%s loaded=%t)", version, srv.Addr, agent.DID(), agent.Loaded())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("HTTP shutdown: %v", err)
	}

	fctx, fcancel := context.WithTimeout(context.Background(), cfg.Delivery.FlushTimeout)
	defer fcancel()
	return agent.Close(fctx)
}
