package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taxdesk/backend/internal/config"
	"taxdesk/backend/internal/db"
	"taxdesk/backend/internal/experts"
	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/leads"
	"taxdesk/backend/internal/llm"
	"taxdesk/backend/internal/logging"
	"taxdesk/backend/internal/matching"
	"taxdesk/backend/internal/server"
	"taxdesk/backend/internal/session"
	"taxdesk/backend/internal/severity"
	"taxdesk/backend/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func loadConfig() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func serve(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	kv, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer kv.Close()

	client, err := llm.NewFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}
	if !client.IsAvailable() {
		logger.Warn("language model is not configured; asks will fail and matching will use local scoring",
			zap.String("provider", cfg.LLMProvider))
	}
	gw := gateway.New(client, cfg.FreeQuestionQuota, logger.Named("gateway"))

	policy, err := severity.PolicyByName(cfg.SeverityPolicy)
	if err != nil {
		return err
	}

	catalog, err := experts.Load(cfg.ExpertsFile)
	if err != nil {
		return err
	}
	logger.Info("expert catalog loaded", zap.Int("experts", catalog.Len()), zap.String("path", cfg.ExpertsFile))

	var leadPool *pgxpool.Pool
	if cfg.LeadSink == "postgres" {
		leadPool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect lead database: %w", err)
		}
		defer leadPool.Close()
		if err := db.EnsureSchema(ctx, leadPool); err != nil {
			return err
		}
	}
	sink, err := leads.NewSink(cfg, leadPool, logger.Named("leads"))
	if err != nil {
		return err
	}
	dispatcher := leads.NewDispatcher(sink, cfg.LeadSendTimeout, logger.Named("leads"))
	defer dispatcher.Close()

	sessions := session.NewManager(kv, gw, session.Options{
		Quota:              cfg.FreeQuestionQuota,
		ContactPromptDelay: cfg.ContactPromptDelay,
		Policy:             policy,
		Leads:              dispatcher,
		Logger:             logger.Named("session"),
	})
	defer sessions.Close()

	app := server.New(cfg, server.Deps{
		Gateway:  gw,
		Sessions: sessions,
		Matcher:  matching.NewEngine(gw, logger.Named("matching")),
		Catalog:  catalog,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("taxdesk api listening", zap.String("addr", "http://localhost:"+cfg.AppPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("taxdesk api stopped")
	return err
}
