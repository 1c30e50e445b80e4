package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DeFiLedger/internal/config"
	"DeFiLedger/internal/core"
	"DeFiLedger/internal/ingestion"
	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/persistence"
	"DeFiLedger/internal/query"
	"DeFiLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pinger is implemented by store backends that can report liveness.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", os.Getenv("DEFI_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := observability.NewLogger("defiledger")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("defiledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("defiledger stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("store", cfg.Store.Backend).
		Bool("redis", cfg.Redis.Enabled()).
		Bool("nats", cfg.NATS.Enabled()).
		Msg("DeFiLedger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if p, ok := store.(pinger); ok {
		healthChecker.AddProbe("store", p.Ping)
	}

	// --- Processor ---
	var outputChan chan core.Output
	if cfg.NATS.Enabled() {
		outputChan = make(chan core.Output, cfg.NATS.OutputChanSize)
	}
	processor, err := core.NewProcessor(ctx, store, core.ProcessorOptions{
		LRUCapacity:     cfg.Processor.LRUCapacity,
		EnforceOrdering: cfg.Processor.EnforceOrdering,
		Output:          outputChan,
		Logger:          logger.With().Str("component", "processor").Logger(),
		Metrics:         metrics,
	},
		core.NewPoolHandler(cfg.Processor.FeeDenominator, logger.With().Str("component", "stableswap").Logger(), metrics),
		core.NewLendingHandler(logger.With().Str("component", "lending").Logger()),
	)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	logger.Info().Int64("sequence", processor.Sequence()).Msg("processor resumed")

	errChan := make(chan error, 8)

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATS.Enabled() {
		natsLogger := logger.With().Str("component", "nats").Logger()
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		healthChecker.AddProbe("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		subjects := ingestion.DefaultSubjects()
		rawChan := make(chan ingestion.RawEvent, cfg.NATS.IngestChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultConsumers()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}

		pipeline := ingestion.NewPipeline(subjects, processor, natsLogger, metrics)
		go func() { errChan <- pipeline.Run(ctx, rawChan) }()

		publisher := ingestion.NewOutboundPublisher(js, outputChan, logger.With().Str("component", "publisher").Logger())
		go func() { errChan <- publisher.Run(ctx) }()
	}

	// --- Query API ---
	deps := &server.ServerDeps{
		QueryService:  query.NewQueryService(store),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
	}
	if cfg.Server.EnableInject {
		deps.IngestService = ingestion.NewGRPCIngestService(processor, logger.With().Str("component", "inject").Logger())
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, deps)

	go func() { errChan <- grpcServer.StartGRPC(ctx) }()
	go func() { errChan <- grpcServer.StartHTTPGateway(ctx) }()
	if cfg.Server.MetricsAddr != "" {
		go func() { errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr, logger) }()
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("DeFiLedger ready")

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
			logger.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()

	logger.Info().Int64("sequence", processor.Sequence()).Msg("DeFiLedger shutdown complete")
	return runErr
}

// openStore builds the configured entity store, optionally fronted by the
// Redis cache. The returned func releases its connections.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (persistence.Store, func(), error) {
	var (
		store   persistence.Store
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		db.SetMaxOpenConns(cfg.Store.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Store.MaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info().Msg("Postgres connected")

		if cfg.Store.AutoMigrate {
			migrator := persistence.NewMigrator(db, cfg.Store.MigrationsDir, logger.With().Str("component", "migrator").Logger())
			if err := migrator.Up(ctx); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		store = persistence.NewPostgresStore(db)
	default:
		store = persistence.NewMemoryStore()
	}

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store = persistence.NewCachedStore(store, rdb, cfg.Redis.TTL, cfg.Redis.Prefix, logger.With().Str("component", "cache").Logger())
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis cache enabled")
	}
	return store, closeAll, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
