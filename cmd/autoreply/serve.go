package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gaborv/autoreply/internal/bridge"
	"github.com/gaborv/autoreply/internal/config"
	"github.com/gaborv/autoreply/internal/daemon"
	"github.com/gaborv/autoreply/internal/llm"
	"github.com/gaborv/autoreply/internal/notify"
	"github.com/gaborv/autoreply/internal/pairing"
	"github.com/gaborv/autoreply/internal/persona"
	"github.com/gaborv/autoreply/internal/runner"
	"github.com/gaborv/autoreply/internal/sessions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auto-reply daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func buildEngine(cfg *config.Config, personas *persona.Loader, logger *zap.Logger) (daemon.Engine, error) {
	switch cfg.Engine {
	case "api":
		client, err := llm.NewClient(llm.Options{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		}, personas, logger)
		if err != nil {
			return nil, err
		}
		return daemon.NewAPIEngine(client), nil

	case "cli":
		r, err := runner.New(runner.Options{
			WorkspaceDir: cfg.Claude.WorkspaceDir,
			Model:        cfg.Claude.Model,
			MaxTurns:     cfg.Claude.MaxTurns,
			Timeout:      cfg.ClaudeTimeout(),
			MCPConfig:    cfg.Claude.MCPConfig,
		}, logger)
		if err != nil {
			return nil, err
		}
		return daemon.NewCLIEngine(r), nil
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}

func serve() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	personas := persona.NewLoader(cfg.PersonaFile, logger)
	defer personas.Close()
	if err := personas.Watch(); err != nil {
		logger.Warn("persona hot reload unavailable", zap.Error(err))
	}

	store, err := pairing.NewStore(cfg.Pairing.DBPath, pairing.Options{
		CodeExpiry: cfg.CodeExpiry(),
		CodeLength: cfg.Pairing.CodeLength,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr, err := sessions.NewManager(cfg.Session.StorageDir, sessions.Options{
		IdleReset:        cfg.IdleReset(),
		MaxHistoryTokens: cfg.Session.MaxHistoryTokens,
	}, logger)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, personas, logger)
	if err != nil {
		return err
	}

	bridgeClient := bridge.NewClient(cfg.Bridge.URL, cfg.SendTimeout(), logger)

	bot, err := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.AllowedUserIDs, store, logger)
	if err != nil {
		return err
	}
	bot.OnApproved(func(ctx context.Context, jid string) {
		bridgeClient.SendMessage(ctx, jid,
			"You're approved! You can chat with me now. How can I help?")
	})

	d := daemon.New(daemon.Options{
		Config:   cfg,
		Pairing:  store,
		Sessions: mgr,
		Engine:   engine,
		Bridge:   bridgeClient,
		Notifier: bot,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting daemon",
		zap.String("host", cfg.Daemon.Host),
		zap.Int("port", cfg.Daemon.Port),
		zap.String("engine", cfg.Engine),
		zap.Bool("pairing_enabled", cfg.Pairing.Enabled),
		zap.Strings("allowed_recipients", cfg.Security.AllowedRecipients))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error {
		bot.Start(ctx)
		return nil
	})
	if cfg.Bridge.EventsURL != "" {
		stream := bridge.NewEventStream(cfg.Bridge.EventsURL, logger)
		g.Go(func() error { return d.RunEventStream(ctx, stream) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}
