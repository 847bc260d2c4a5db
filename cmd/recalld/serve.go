package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/engine"
	recalldhttp "github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/ledger"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memory daemon",
	Long: `Start the recalld daemon: HTTP API, background expiry sweeper,
and the embedding/vector machinery behind memory retrieval.

The daemon starts even when the embedding model or vector index is
unavailable; retrieval then degrades to importance/recency ordering
until the vector path recovers on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/recalld/config.yaml)")
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	zlog := logger.Underlying()
	zlog.Info("starting recalld",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
	)

	tel, err := telemetry.Setup(context.Background(), cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	// Ledger first: without it there is no memory at all.
	led, err := ledger.Open(cfg.Ledger.Path, zlog.Named("ledger"))
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer led.Close()

	// The vector path is best-effort: a failed provider or index leaves
	// the daemon serving ledger-only retrieval.
	var embedder engine.Embedder
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		zlog.Warn("embedding provider unavailable, retrieval degrades to ledger ordering", zap.Error(err))
	} else {
		embedder = provider
		defer provider.Close()
	}

	var index vectorstore.Index
	if embedder != nil {
		index, err = vectorstore.NewIndex(cfg.VectorStore, zlog.Named("vectorstore"))
		if err != nil {
			zlog.Warn("vector index unavailable, retrieval degrades to ledger ordering", zap.Error(err))
			index = nil
		} else {
			defer index.Close()
		}
	}

	learner := engine.NewLearner(learningRules(cfg))

	eng, err := engine.New(led, index, embedder, learner, engine.Config{
		RetrieveLimit:     cfg.Engine.RetrieveLimit,
		ContextTurns:      cfg.Engine.ContextTurns,
		ContextMemories:   cfg.Engine.ContextMemories,
		DependencyTimeout: cfg.Engine.DependencyTimeout.Duration(),
	}, zlog.Named("engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if !cfg.Sweeper.Disabled {
		sweeper, err := engine.NewSweeper(eng, zlog.Named("sweeper"),
			engine.WithSweepInterval(cfg.Sweeper.Interval.Duration()))
		if err != nil {
			return fmt.Errorf("creating sweeper: %w", err)
		}
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
		defer func() {
			_ = sweeper.Stop()
		}()
	}

	server, err := recalldhttp.NewServer(eng, zlog.Named("http"), &recalldhttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	zlog.Info("shutdown complete")
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}

func learningRules(cfg *config.Config) []engine.LearningRule {
	rules := make([]engine.LearningRule, 0, len(cfg.Engine.LearningRules))
	for _, r := range cfg.Engine.LearningRules {
		rules = append(rules, engine.LearningRule{
			Category:   r.Category,
			Importance: r.Importance,
			Keywords:   r.Keywords,
		})
	}
	return rules
}
