package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/ingress"
	"github.com/zulandar/switchyard/internal/store"
)

func newIngressCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "ingress",
		Short: "Run the webhook ingress",
		Long: `Serves the WhatsApp Cloud API webhook. Each inbound message is published
to the primary queue (ingress.mode=queue) or inserted into the message store
as pending (ingress.mode=store).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngress(cmd, configPath, listen)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides ingress.listen)")
	return cmd
}

func runIngress(cmd *cobra.Command, configPath, listen string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	env, err := openStageWith(ctx, cfg, "ingress", cmd.ErrOrStderr(), cfg.Ingress.Mode == "queue")
	if err != nil {
		return err
	}
	defer env.Close()

	var sink ingress.Sink
	if env.pub != nil {
		sink = ingress.QueueSink{Publisher: env.pub, Queue: env.cfg.Queues.Primary}
	} else {
		sink = ingress.StoreSink{Store: store.New(store.Opts{DB: env.db, Metrics: env.metrics})}
	}
	srv, err := ingress.New(ingress.Opts{
		Sink:        sink,
		AppSecret:   env.cfg.Ingress.AppSecret,
		VerifyToken: env.cfg.Ingress.VerifyToken,
		Log:         env.log,
		Metrics:     env.metrics,
	})
	if err != nil {
		return err
	}
	if env.cfg.Ingress.AppSecret == "" {
		env.log.Warn().Msg("ingress.app_secret not set, webhook signatures are not checked")
	}

	defer env.track(ctx, "ingress")()
	env.serveMetrics(ctx)

	if listen == "" {
		listen = env.cfg.Ingress.Listen
	}
	return srv.Run(ctx, listen)
}
