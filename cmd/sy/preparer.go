package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/preparer"
	"github.com/zulandar/switchyard/internal/store"
)

func newPreparerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "preparer",
		Short: "Run the preparer stage",
		Long: `Consumes raw messages from the primary queue, stores and sanitizes them,
attaches conversation history and publishes work packages to the responder
queue. With preparer.source=store it polls the message store for pending
rows instead of consuming the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreparer(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runPreparer(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openStage(ctx, configPath, "preparer", cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	san, err := newSanitizer(cfg)
	if err != nil {
		return err
	}
	st := store.New(store.Opts{DB: env.db, LegacySenderFallback: cfg.LegacyFallback(), Metrics: env.metrics})
	p, err := preparer.New(preparer.Opts{
		Store:          st,
		Publisher:      env.pub,
		Sanitizer:      san,
		ResponderQueue: cfg.Queues.Responder,
		HistoryLimit:   cfg.Store.HistoryLimit,
		PollInterval:   cfg.Preparer.PollInterval,
		ClaimTimeout:   cfg.Preparer.ClaimTimeout,
		Log:            env.log,
	})
	if err != nil {
		return err
	}

	defer env.track(ctx, "preparer")()
	env.serveMetrics(ctx)

	if cfg.Preparer.Source == "store" {
		return p.Poll(ctx)
	}
	runner, err := env.runner(cfg.Queues.Primary, "preparer", p.HandleDelivery)
	if err != nil {
		return err
	}
	env.log.Info().Str("queue", cfg.Queues.Primary).Int("slots", cfg.Consumer.Slots).Msg("preparer started")
	return runner.Run(ctx)
}
