package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Post the dead-letter digest to Slack or Discord",
		Long: `Runs the dead-letter digest on notify.schedule (5-field cron) and posts it to
notify.channel_id on notify.platform. Nothing is posted while every dead
letter is resolved. Use --once to send a single digest and exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(cmd, configPath, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().BoolVar(&once, "once", false, "send one digest now and exit")
	return cmd
}

func runNotify(cmd *cobra.Command, configPath string, once bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openStage(ctx, configPath, "notify", cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg

	if cfg.Notify.Platform == "" {
		return errors.New("notify.platform is not set")
	}
	sender, err := newSender(cfg.Notify.Platform, cfg.Channel)
	if err != nil {
		return fmt.Errorf("notify channel: %w", err)
	}
	n, err := notify.New(notify.Opts{
		DB:        env.db,
		Sender:    sender,
		ChannelID: cfg.Notify.ChannelID,
		Schedule:  cfg.Notify.Schedule,
		Log:       env.log,
	})
	if err != nil {
		return err
	}

	if once {
		if err := n.Fire(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Digest checked.")
		return nil
	}

	defer env.track(ctx, "notify")()
	return n.Run(ctx)
}
