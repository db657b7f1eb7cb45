package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchyard/internal/channel"
	"github.com/zulandar/switchyard/internal/channel/discord"
	"github.com/zulandar/switchyard/internal/channel/slack"
	"github.com/zulandar/switchyard/internal/channel/whatsapp"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/instance"
	"github.com/zulandar/switchyard/internal/logging"
	"github.com/zulandar/switchyard/internal/metrics"
	"github.com/zulandar/switchyard/internal/queue"
	"github.com/zulandar/switchyard/internal/sanitize"
	"github.com/zulandar/switchyard/internal/secrets"
	"gorm.io/gorm"
)

// loadConfig reads the config file and resolves any ssm: references.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsSecrets() {
		sm, err := secrets.NewFromEnvironment(ctx)
		if err != nil {
			return nil, err
		}
		if err := cfg.ResolveSecrets(ctx, sm); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func connectFromConfig(ctx context.Context, configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

func newLogger(cfg *config.Config, stage string, w io.Writer) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: w,
		Stage:  stage,
	})
}

// stageEnv holds the collaborators shared by the long-running stages.
type stageEnv struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	db      *gorm.DB
	conn    *queue.Conn
	pub     *queue.Publisher
}

// openStage loads config, connects to the database and, when withBroker is
// set, connects to RabbitMQ and declares the topology.
func openStage(ctx context.Context, configPath, stage string, logOut io.Writer, withBroker bool) (*stageEnv, error) {
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return openStageWith(ctx, cfg, stage, logOut, withBroker)
}

func openStageWith(ctx context.Context, cfg *config.Config, stage string, logOut io.Writer, withBroker bool) (*stageEnv, error) {
	var err error
	env := &stageEnv{
		cfg:     cfg,
		log:     newLogger(cfg, stage, logOut),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	if env.db, err = db.Connect(cfg.Database); err != nil {
		return nil, err
	}
	if withBroker {
		env.conn = queue.NewConn(queue.ConnOpts{
			URL:         cfg.RabbitMQ.URL,
			Topology:    queue.TopologyFromConfig(cfg.Queues),
			Attempts:    cfg.RabbitMQ.ReconnectAttempts,
			BaseBackoff: cfg.RabbitMQ.ReconnectBase,
			MaxBackoff:  cfg.RabbitMQ.ReconnectMax,
			Log:         env.log,
		})
		if err := env.conn.EnsureConnected(ctx); err != nil {
			env.Close()
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		env.pub = queue.NewPublisher(env.conn, env.metrics)
	}
	return env, nil
}

// Close releases the broker and database in reverse order of opening.
func (e *stageEnv) Close() {
	if e.pub != nil {
		e.pub.Close()
	}
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.log.Warn().Err(err).Msg("close broker connection")
		}
	}
	if err := db.Close(e.db); err != nil {
		e.log.Warn().Err(err).Msg("close database")
	}
}

// serveMetrics exposes /metrics in the background when an address is set.
func (e *stageEnv) serveMetrics(ctx context.Context) {
	addr := e.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, e.metrics); err != nil {
			e.log.Error().Err(err).Msg("metrics server")
		}
	}()
	e.log.Info().Str("addr", addr).Msg("metrics listening")
}

// track registers this process as a stage instance and keeps its heartbeat
// fresh. The returned func stops the heartbeat and marks the instance stopped.
func (e *stageEnv) track(ctx context.Context, stage string) func() {
	inst, err := instance.Register(e.db, stage)
	if err != nil {
		e.log.Warn().Err(err).Msg("instance registration failed, continuing untracked")
		return func() {}
	}
	e.log = e.log.With().Str("instance", inst.ID).Logger()

	hbCtx, cancel := context.WithCancel(ctx)
	errCh := instance.StartHeartbeat(hbCtx, e.db, inst.ID, instance.DefaultHeartbeatInterval)
	go func() {
		select {
		case err := <-errCh:
			e.log.Warn().Err(err).Msg("heartbeat stopped")
		case <-hbCtx.Done():
		}
	}()
	return func() {
		cancel()
		if err := instance.Deregister(e.db, inst.ID); err != nil {
			e.log.Warn().Err(err).Msg("deregister instance")
		}
	}
}

// runner builds the receive loop for one queue.
func (e *stageEnv) runner(queueName, stage string, h queue.Handler) (*queue.Runner, error) {
	return queue.NewRunner(queue.RunnerOpts{
		Source:       e.conn,
		Publisher:    e.pub,
		Queue:        queueName,
		Slots:        e.cfg.Consumer.Slots,
		MaxRetries:   e.cfg.Consumer.MaxRetries,
		DrainTimeout: e.cfg.Consumer.ShutdownTimeout,
		Handler:      h,
		Stage:        stage,
		Log:          e.log,
		Metrics:      e.metrics,
	})
}

// newSender builds the outbound channel for platform.
func newSender(platform string, cfg config.ChannelConfig) (channel.Sender, error) {
	switch platform {
	case "whatsapp":
		return whatsapp.New(whatsapp.Opts{
			Token:         cfg.WhatsApp.Token,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			APIVersion:    cfg.WhatsApp.APIVersion,
			BaseURL:       cfg.WhatsApp.BaseURL,
		})
	case "slack":
		return slack.New(slack.Opts{BotToken: cfg.Slack.BotToken})
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Discord.BotToken})
	}
	return nil, fmt.Errorf("unknown channel platform %q", platform)
}

func newSanitizer(cfg *config.Config) (*sanitize.Sanitizer, error) {
	var extra []sanitize.Pattern
	for _, p := range cfg.Sanitize.ExtraPatterns {
		extra = append(extra, sanitize.Pattern{Name: p.Name, Expr: p.Pattern})
	}
	return sanitize.New(extra)
}
