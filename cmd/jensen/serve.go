package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/jensen/jensen/assistant"
	"github.com/ZanzyTHEbar/jensen/jensen/transport/httpapi"
	"github.com/ZanzyTHEbar/jensen/jensen/transport/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enabled transports until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	if !cfg.Telegram.Enabled && !cfg.HTTP.Enabled {
		return errors.New("no transport enabled: set telegram.enabled or http.enabled")
	}

	a, err := assistant.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("close failed")
		}
	}()

	runners, err := transports(a)
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, run := range runners {
		p.Go(run)
	}

	logger.Info().Bool("telegram", cfg.Telegram.Enabled).Bool("http", cfg.HTTP.Enabled).Msg("jensen is up")
	err = p.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info().Msg("jensen stopped")
	return err
}

// transports builds every enabled transport before any of them starts.
func transports(a *assistant.Assistant) ([]func(context.Context) error, error) {
	var runners []func(context.Context) error
	if cfg.HTTP.Enabled {
		srv, err := httpapi.New(cfg.HTTP, a, logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, srv.Run)
	}
	if cfg.Telegram.Enabled {
		tg, err := telegram.New(cfg.Telegram, cfg.Messages, a, logger)
		if err != nil {
			return nil, err
		}
		runners = append(runners, tg.Run)
	}
	return runners, nil
}
