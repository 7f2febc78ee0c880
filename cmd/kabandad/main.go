// kabandad is the reminder service daemon: it receives Telegram webhook
// updates, runs the task lifecycle engine, and delivers escalating reminders.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"kabanda/internal/config"
	"kabanda/internal/engine"
	"kabanda/internal/escalation"
	"kabanda/internal/ingest"
	"kabanda/internal/logging"
	"kabanda/internal/metrics"
	"kabanda/internal/notify"
	"kabanda/internal/parse"
	"kabanda/internal/server"
	"kabanda/internal/store"
	"kabanda/internal/task"
	"kabanda/internal/wake"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "kabandad",
		Short:         "Natural-language reminder service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kabandad %s\n", Version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kabandad: %v\n", err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	logger := logging.NewComponentLogger("Main")
	logger.Info("kabandad %s starting", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskStore, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	observer, err := metrics.NewObserver("kabanda", nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	queue := notify.NewQueue(notifier, taskStore, cfg.Delivery, logging.NewComponentLogger("Delivery"), observer)

	policy := escalation.New(cfg.Escalation)

	// The wake handler closes over the engine pointer; the service only
	// starts firing after the engine exists.
	var eng *engine.Engine
	wakeSvc, err := wake.New(taskStore, func(ctx context.Context, w task.DueWake) {
		eng.HandleWake(ctx, w)
	}, cfg.Wake, logging.NewComponentLogger("WakeService"), observer)
	if err != nil {
		return fmt.Errorf("init wake service: %w", err)
	}

	eng, err = engine.New(taskStore, policy, wakeSvc, queue, cfg.Engine,
		logging.NewComponentLogger("Engine"), observer)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	processor, err := ingest.NewProcessor(eng, taskStore, buildParser(cfg, logger), queue,
		cfg.Ingest.DedupSize, logging.NewComponentLogger("Ingest"))
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	srv, err := server.New(cfg.Server, processor, eng, taskStore, logging.NewComponentLogger("HTTP"))
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	if err := wakeSvc.Start(ctx); err != nil {
		return fmt.Errorf("start wake service: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		wakeSvc.Stop()
		<-wakeSvc.Done()
		queue.Wait()
		return nil
	})

	err = g.Wait()
	logger.Info("kabandad stopped")
	return err
}

func buildStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (task.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using the in-memory store (state is lost on restart)")
		return store.NewMemory(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	pg := store.NewPostgres(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres (max %d conns)", poolCfg.MaxConns)
	return pg, pool.Close, nil
}

func buildNotifier(cfg *config.Config, logger logging.Logger) (notify.Notifier, error) {
	if cfg.Telegram.Token == "" {
		logger.Warn("no telegram token configured, notifications go to the log")
		return notify.NewConsole(logging.NewComponentLogger("Console")), nil
	}
	return notify.NewTelegram(cfg.Telegram, logging.NewComponentLogger("Telegram"))
}

func buildParser(cfg *config.Config, logger logging.Logger) parse.Parser {
	fallback := parse.NewFallback()
	if !cfg.Parser.Enabled || cfg.Parser.BaseURL == "" {
		return fallback
	}
	llm, err := parse.NewLLM(cfg.Parser.LLMConfig, logging.NewComponentLogger("Parser"))
	if err != nil {
		logger.Warn("llm parser unavailable (%v), using the fallback only", err)
		return fallback
	}
	return parse.Chain{llm, fallback}
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.LevelDebug)
	case "warn":
		logging.SetLevel(logging.LevelWarn)
	case "error":
		logging.SetLevel(logging.LevelError)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
}
