// pilot-server runs the plan execution service: the chat API, the tool
// registry and the background plan runner over one SQLite database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pilot/internal/config"
	"pilot/internal/engine"
	"pilot/internal/executor"
	"pilot/internal/llm"
	"pilot/internal/logging"
	"pilot/internal/metrics"
	"pilot/internal/reasoner"
	"pilot/internal/recovery"
	"pilot/internal/registry"
	"pilot/internal/runner"
	"pilot/internal/server"
	"pilot/internal/store"
)

var (
	flagConfig string
	flagDB     string
	flagHost   string
	flagPort   int
)

func main() {
	root := &cobra.Command{
		Use:   "pilot-server",
		Short: "Plan execution service for conversational tool control",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&flagConfig, "config", "", "path to config.yaml")
	root.Flags().StringVar(&flagDB, "db", "", "sqlite database path (overrides config)")
	root.Flags().StringVar(&flagHost, "host", "", "listen host (overrides config)")
	root.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagHost != "" {
		cfg.HTTPHost = flagHost
	}
	if flagPort != 0 {
		cfg.HTTPPort = flagPort
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	runs := store.NewRunStore(db)
	state := store.NewChatStateStore(db)
	chats := store.NewChatStore(db)

	m := metrics.New()
	broadcaster := server.NewBroadcaster()

	tools := registry.NewService(
		registry.NewStore(db),
		registry.NewDiscoverer(6*time.Second, logger.With("component", "registry")),
		logger.With("component", "registry"),
	)

	llmClient := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		Logger:      logger.With("component", "llm"),
	})

	planRunner := runner.New(runner.Config{
		Runs:               runs,
		State:              state,
		Chats:              chats,
		Tools:              tools,
		Invoker:            executor.New(tools, cfg.StepTimeout, logger.With("component", "executor")),
		Fixer:              reasoner.New(llmClient, logger.With("component", "reasoner")),
		Notifier:           broadcaster,
		Logger:             logger.With("component", "runner"),
		Metrics:            m,
		MaxCommandAttempts: cfg.MaxCommandAttempts,
		PlanTimeout:        cfg.PlanTimeout,
	})

	eng := engine.New(engine.Config{
		Runs:     runs,
		State:    state,
		Chats:    chats,
		Tools:    tools,
		LLM:      llmClient,
		Launcher: planRunner,
		Logger:   logger.With("component", "engine"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stranded runs from a previous process must be resolved before the API
	// starts answering.
	if _, err := recovery.Sweep(ctx, runs, state, chats, logger.With("component", "recovery")); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Host:       cfg.HTTPHost,
		Port:       cfg.HTTPPort,
		EnableCORS: cfg.EnableCORS,
		Debug:      cfg.Debug,
	}, server.Deps{
		Engine:      eng,
		Runs:        runs,
		Chats:       chats,
		State:       state,
		Tools:       tools,
		Broadcaster: broadcaster,
		Metrics:     m,
		Logger:      logger.With("component", "server"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	logger.Info("pilot-server ready", "addr", fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort))
	return g.Wait()
}
