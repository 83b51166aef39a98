// ohmd is the IoT hardware design assistant daemon: an HTTP surface
// over the intent-routed design pipeline, backed by a rotating pool of
// gateway credentials.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ohm/internal/agent"
	"ohm/internal/config"
	"ohm/internal/keypool"
	"ohm/internal/llm"
	"ohm/internal/pipeline"
	"ohm/internal/server"
	"ohm/internal/store"
	"ohm/internal/tools"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "ohmd",
		Short:         "IoT hardware design assistant daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ohmd:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if flagVerbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

func runServe(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	keys, err := config.LoadCredentials()
	if err != nil {
		return err
	}

	pool, err := keypool.New(keys, logger)
	if err != nil {
		return err
	}
	factory := llm.NewClientFactory(pool, llm.FactoryConfig{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: cfg.Gateway.TimeoutDuration(),
		Logger:  logger,
	})

	schemas, err := tools.DefaultSchemaSet()
	if err != nil {
		return fmt.Errorf("building tool schemas: %w", err)
	}
	registry, err := agent.NewRegistry(schemas, agent.DefaultConfigs(cfg.Gateway.Model))
	if err != nil {
		return fmt.Errorf("building agent registry: %w", err)
	}
	executor := agent.NewExecutor(registry, factory, pool, logger)

	db, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Router:     pipeline.NewRouter(executor, logger),
		Runner:     executor,
		Chats:      db,
		Artifacts:  db,
		Dispatcher: tools.NewDispatcher(db, logger),
		Pool:       pool,
		Logger:     logger,
	})

	srv := server.New(server.Config{
		Orchestrator: orch,
		Chats:        db,
		Pool:         pool,
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	logger.Info("starting server",
		zap.String("addr", cfg.Addr),
		zap.String("model", cfg.Gateway.Model),
		zap.Int("credentials", pool.TotalCount()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
