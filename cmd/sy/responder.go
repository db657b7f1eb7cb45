package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/contextdoc"
	"github.com/zulandar/switchyard/internal/genai"
	"github.com/zulandar/switchyard/internal/responder"
	"github.com/zulandar/switchyard/internal/store"
)

func newResponderCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "responder",
		Short: "Run the responder stage",
		Long: `Consumes work packages from the responder queue, generates a reply with
Gemini, sends it on the configured channel and stores it. Replies carrying
the verification marker send an interim message and schedule a delayed
follow-up instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResponder(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runResponder(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openStage(ctx, configPath, "responder", cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	sender, err := newSender(cfg.Channel.Platform, cfg.Channel)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	docs, err := contextdoc.Load(cfg.ContextDir)
	if err != nil {
		env.log.Warn().Err(err).Str("dir", cfg.ContextDir).Msg("document context not loaded")
	}

	r, err := responder.New(responder.Opts{
		Store:     store.New(store.Opts{DB: env.db, LegacySenderFallback: cfg.LegacyFallback(), Metrics: env.metrics}),
		Publisher: env.pub,
		Generator: genai.NewClient(genai.ClientOpts{
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			BaseURL:     cfg.Gemini.BaseURL,
			Timeout:     cfg.Gemini.Timeout,
			MaxAttempts: cfg.Gemini.MaxAttempts,
		}),
		Sender:             sender,
		SystemPrompt:       cfg.Responder.SystemPrompt,
		DocumentContext:    docs,
		VerificationMarker: cfg.Responder.VerificationMarker,
		InterimReply:       cfg.Responder.InterimReply,
		BotSender:          cfg.Responder.BotSender,
		DelayedExchange:    cfg.Queues.DelayedExchange,
		Queue:              cfg.Queues.Responder,
		FollowUpDelay:      cfg.Responder.FollowUpDelay,
		MaxFollowUps:       cfg.Responder.MaxFollowUps,
		Log:                env.log,
		Metrics:            env.metrics,
	})
	if err != nil {
		return err
	}

	defer env.track(ctx, "responder")()
	env.serveMetrics(ctx)

	runner, err := env.runner(cfg.Queues.Responder, "responder", r.HandleDelivery)
	if err != nil {
		return err
	}
	env.log.Info().
		Str("queue", cfg.Queues.Responder).
		Str("platform", cfg.Channel.Platform).
		Int("context_chars", len(docs)).
		Msg("responder started")
	return runner.Run(ctx)
}
