package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atmx/unstake-engine/internal/config"
	"github.com/atmx/unstake-engine/internal/crank"
	"github.com/atmx/unstake-engine/internal/events"
	"github.com/atmx/unstake-engine/internal/fee"
	"github.com/atmx/unstake-engine/internal/ledger"
	"github.com/atmx/unstake-engine/internal/metrics"
	"github.com/atmx/unstake-engine/internal/model"
	"github.com/atmx/unstake-engine/internal/pool"
	"github.com/atmx/unstake-engine/internal/rational"
	"github.com/atmx/unstake-engine/internal/store"
	"github.com/atmx/unstake-engine/internal/unstake"
)

func main() {
	root := &cobra.Command{
		Use:          "unstake-engine",
		Short:        "Instant unstake liquidity pool service",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the crank",
		RunE:  runServe,
	}

	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	serveCmd.Flags().String("database-url", "", "Postgres DSN; empty uses the in-memory store")
	serveCmd.Flags().String("redis-url", "", "Redis URL for the pool cache")
	serveCmd.Flags().Duration("cache-ttl", 30*time.Second, "pool cache TTL")
	serveCmd.Flags().String("nats-url", "", "NATS URL; empty disables event publishing")
	serveCmd.Flags().String("nats-stream", "", "JetStream stream; empty publishes on core NATS")
	serveCmd.Flags().String("nats-subject-root", "unstake", "subject prefix for published events")
	serveCmd.Flags().Duration("nats-publish-timeout", 5*time.Second, "publish timeout")
	serveCmd.Flags().Uint64("record-rent", 0, "lamports charged per stake account record")
	serveCmd.Flags().Duration("crank-interval", 30*time.Second, "crank pass interval; 0 disables the crank")
	serveCmd.Flags().Int("crank-concurrency", 4, "pools swept in parallel per crank pass")

	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE:  runMigrate,
	}

	migrateCmd.Flags().String("database-url", "", "Postgres DSN")
	migrateCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(migrateCmd)

	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Price an unstake offline against the given reserves",
		RunE:  runQuote,
	}

	quoteCmd.Flags().Uint64("reserves", 0, "pool reserves in lamports")
	quoteCmd.Flags().Uint64("value", 0, "position value in lamports")
	quoteCmd.Flags().String("flat", "", "flat fee ratio (e.g. 0.003 or 3/1000)")
	quoteCmd.Flags().String("max-fee", "", "liquidity-linear max fee ratio")
	quoteCmd.Flags().String("min-fee", "", "liquidity-linear min fee ratio")
	quoteCmd.Flags().Uint64("threshold", 0, "liquidity-linear threshold in lamports")

	root.AddCommand(quoteCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Event stream ---
	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.Events())
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		pub = np
		logger.Info("publishing events to NATS",
			zap.String("url", cfg.NATSURL),
			zap.String("stream", cfg.NATSStream),
			zap.String("subject_root", cfg.NATSSubjectRoot),
		)
	}
	defer pub.Close()

	// The in-process ledger stands in for the chain.
	led := ledger.NewMemory()

	// --- WebSocket hub ---
	wsHub := unstake.NewWSHub(logger.Named("ws"))
	go wsHub.Run(ctx)

	// --- Unstake service ---
	svc := unstake.NewService(st, led, pub, wsHub, logger.Named("unstake"), unstake.WithRecordRent(cfg.RecordRent))

	// --- Crank ---
	if cfg.CrankInterval > 0 {
		keeper := crank.New(svc, st, logger.Named("crank"), cfg.CrankConcurrency)
		go keeper.Run(ctx, cfg.CrankInterval)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"unstake-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := unstake.NewHandler(svc)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time pool updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)

			// Seeding and epoch control for the in-process ledger.
			r.Route("/ledger", led.Routes)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("unstake-engine listening",
			zap.String("addr", cfg.Addr),
			zap.Uint64("record_rent", cfg.RecordRent),
			zap.Duration("crank_interval", cfg.CrankInterval),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down unstake-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	return nil
}

// openStore picks Postgres (optionally behind Redis) or the in-memory store.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("database-url not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, dbPool.Close)

	pg := store.NewPostgresStore(dbPool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	}
	return st, closeAll, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database-url is required")
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer dbPool.Close()

	if err := store.NewPostgresStore(dbPool).Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("schema up to date")
	return nil
}

func runQuote(cmd *cobra.Command, _ []string) error {
	reserves, _ := cmd.Flags().GetUint64("reserves")
	value, _ := cmd.Flags().GetUint64("value")

	f, err := feeFromFlags(cmd)
	if err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}

	q, err := pool.QuoteUnstake(model.Pool{Reserves: reserves, Fee: f}, value)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"fee":               f.String(),
		"position_value":    q.PositionValue,
		"fee_ratio":         q.FeeRatio.String(),
		"fee_ratio_decimal": q.FeeRatio.Decimal(9),
		"fee_lamports":      q.Fee,
		"payout":            q.Payout,
	})
}

func feeFromFlags(cmd *cobra.Command) (fee.Fee, error) {
	flat, _ := cmd.Flags().GetString("flat")
	if flat != "" {
		r, err := rational.Parse(flat)
		if err != nil {
			return fee.Fee{}, fmt.Errorf("flat: %w", err)
		}
		return fee.NewFlat(r), nil
	}

	maxStr, _ := cmd.Flags().GetString("max-fee")
	minStr, _ := cmd.Flags().GetString("min-fee")
	if maxStr == "" || minStr == "" {
		return fee.Fee{}, errors.New("either --flat or both --max-fee and --min-fee are required")
	}
	maxFee, err := rational.Parse(maxStr)
	if err != nil {
		return fee.Fee{}, fmt.Errorf("max-fee: %w", err)
	}
	minFee, err := rational.Parse(minStr)
	if err != nil {
		return fee.Fee{}, fmt.Errorf("min-fee: %w", err)
	}
	threshold, _ := cmd.Flags().GetUint64("threshold")
	return fee.NewLiquidityLinear(maxFee, minFee, threshold), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
