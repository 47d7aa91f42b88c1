package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/papertrade/engine/internal/config"
	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/store"
	"github.com/papertrade/engine/internal/trade"
	"github.com/papertrade/engine/internal/usd"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "papertrade",
		Short:         "Paper-trading ledger and portfolio valuation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env vars override it)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(quoteCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("papertrade failed", "err", err)
		os.Exit(1)
	}
}

// setup loads config and installs the JSON logger.
func setup(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := cfg.Level() // validated by Load
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the ledger schema to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, cleanup, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			m, ok := st.(store.Migrator)
			if !ok {
				return fmt.Errorf("no database configured: set DATABASE_URL or SQLITE_PATH")
			}
			if err := m.Migrate(ctx); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func quoteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL",
		Short: "Look up the current price of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(*configPath)
			if err != nil {
				return err
			}
			svc := ledger.NewService(store.NewMemoryStore(), newQuoteProvider(cfg),
				ledger.WithQuoteTimeout(cfg.QuoteTimeout))

			q, err := svc.GetQuote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if q.Name != "" {
				fmt.Fprintf(out, "%s (%s): %s\n", q.Name, q.Symbol, usd.Format(q.Price))
			} else {
				fmt.Fprintf(out, "%s: %s\n", q.Symbol, usd.Format(q.Price))
			}
			return nil
		},
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if m, ok := st.(store.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}

	// --- Account lock ---
	locker, closeLocker, err := newLocker(cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(cfg.CORSOrigins)
	go wsHub.Run(ctx)

	// --- Ledger service ---
	svc := ledger.NewService(st, newQuoteProvider(cfg),
		ledger.WithLocker(locker),
		ledger.WithNotifier(wsHub),
		ledger.WithStartingCash(cfg.StartingCash),
		ledger.WithQuoteTimeout(cfg.QuoteTimeout),
		ledger.WithValuationConcurrency(cfg.ValuationConcurrency),
	)
	handlers := trade.NewHandlers(svc, wsHub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, handlers),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.QuoteTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("papertrade listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("papertrade stopped")
	return nil
}

// newRouter mounts the middleware stack, health, metrics and the API.
// RequestID runs first so the access log and every later handler see the id.
func newRouter(cfg *config.Config, handlers *trade.Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "papertrade"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", handlers.Register)
	return r
}
