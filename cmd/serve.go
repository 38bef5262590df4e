package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/panelbot/internal/api"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/observability"
	"github.com/xkilldash9x/panelbot/internal/service"
	"github.com/xkilldash9x/panelbot/internal/telegram"
)

const shutdownTimeout = 2 * time.Minute

// Swappable in tests.
var connectTelegram = func(token string, logger *zap.Logger) (telegram.BotAPI, error) {
	return telegram.Connect(token, logger)
}

func newServeCmd(factory service.ComponentFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot and the ops HTTP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := cfg.ValidateTelegram(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, factory)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, factory service.ComponentFactory) error {
	logger := observability.GetLogger()
	logger.Info("Starting panelbot",
		zap.String("version", Version),
		zap.String("panel", cfg.Panel().BaseURL),
		observability.Masked("panel_password", cfg.Panel().Password),
		observability.Masked("telegram_token", cfg.Telegram().Token),
	)

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		components.Shutdown(shutdownCtx)
	}()

	client, err := connectTelegram(cfg.Telegram().Token, logger)
	if err != nil {
		return err
	}
	bot := telegram.New(client, components.Provisioner, cfg.Telegram(), logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })

	if cfg.Server().Enabled {
		srv := api.NewServer(cfg.Server(), opsDeps(components), logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(stopCtx)
		})
	}

	err = g.Wait()
	logger.Info("Shutting down", zap.Int("runs_in_flight", components.Provisioner.InFlight()))
	return err
}

// opsDeps leaves optional sources unset rather than wrapping nil pointers.
func opsDeps(c *service.Components) api.Deps {
	deps := api.Deps{
		Metrics:   c.Metrics,
		Runs:      c.Provisioner,
		StartedAt: c.StartedAt,
	}
	if c.Browser != nil {
		deps.Sessions = c.Browser
	}
	if c.Store != nil {
		deps.Outcomes = c.Store
	}
	return deps
}
