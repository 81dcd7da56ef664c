package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/guidepost/internal/assistant"
	"github.com/zulandar/guidepost/internal/bus"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/conversation"
	"github.com/zulandar/guidepost/internal/dashboard"
	"github.com/zulandar/guidepost/internal/db"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/kv"
	"github.com/zulandar/guidepost/internal/metrics"
	"github.com/zulandar/guidepost/internal/operator"
	"github.com/zulandar/guidepost/internal/telegraph"
	"github.com/zulandar/guidepost/internal/telegraph/discord"
	"github.com/zulandar/guidepost/internal/telegraph/slack"
	"github.com/zulandar/guidepost/internal/visitor"
	"gorm.io/gorm"
)

// kvSweepSchedule is how often expired identity rows are purged when the
// key-value store lives in SQL.
const kvSweepSchedule = "@every 10m"

type serveFlags struct {
	configPath string
	guide      string
	memory     bool
	port       int
	logLevel   string
	logJSON    bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the visitor and operator server",
		Long: `Serves the visitor WebSocket, the operator API and event stream,
the tab-closing beacon endpoint and /metrics.

With --memory, conversations and identities live in process memory and the
config file is optional (--guide names the guide when it is absent).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to guidepost config file")
	cmd.Flags().StringVar(&f.guide, "guide", "", "guide slug for --memory mode without a config file")
	cmd.Flags().BoolVar(&f.memory, "memory", false, "keep all state in memory (no database, redis or nats)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "port to listen on (overrides dashboard.port)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&f.logJSON, "log-json", false, "emit JSON log lines")
	return cmd
}

func runServe(cmd *cobra.Command, f serveFlags) error {
	log, err := newLogger(cmd.ErrOrStderr(), f.logLevel, f.logJSON)
	if err != nil {
		return err
	}
	cfg, err := loadServeConfig(f)
	if err != nil {
		return err
	}
	port := cfg.Dashboard.Port
	if f.port > 0 {
		port = f.port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, f.memory, log)
	if err != nil {
		return err
	}
	defer st.close()

	log.WithFields(logrus.Fields{"guide": cfg.Guide.Slug, "memory": f.memory}).Info("guide: serving")
	return dashboard.Start(ctx, dashboard.StartOpts{
		RouterOpts: st.routerOpts(),
		Port:       port,
		Out:        cmd.OutOrStdout(),
	})
}

func newLogger(out io.Writer, level string, jsonFormat bool) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

// loadServeConfig reads the config file. In memory mode a missing file is
// replaced by defaults for --guide.
func loadServeConfig(f serveFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err == nil {
		return cfg, nil
	}
	if f.memory && errors.Is(err, os.ErrNotExist) {
		if f.guide == "" {
			return nil, fmt.Errorf("load config: %s not found; pass --guide in --memory mode", f.configPath)
		}
		return config.Default(f.guide), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// stack is every long-lived component of a running server.
type stack struct {
	cfg       *config.Config
	log       *logrus.Logger
	db        *gorm.DB
	gateway   gateway.Gateway
	bus       *bus.Client
	console   *operator.Console
	registry  *visitor.Registry
	visitors  *visitor.Server
	announcer *telegraph.Announcer
	promReg   *prometheus.Registry
	metrics   *metrics.Metrics

	closers []func()
}

func (s *stack) onClose(fn func()) { s.closers = append(s.closers, fn) }

// close releases components in reverse order of construction.
func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *stack) routerOpts() dashboard.RouterOpts {
	return dashboard.RouterOpts{
		Console:      s.console,
		Visitors:     s.visitors,
		LiveVisitors: s.registry.Count,
		DB:           s.db,
		Gatherer:     s.promReg,
		Logger:       s.log,
	}
}

// buildStack wires the server. Background work is bound to ctx; call close
// on the result to release it.
func buildStack(ctx context.Context, cfg *config.Config, memory bool, log *logrus.Logger) (_ *stack, err error) {
	st := &stack{cfg: cfg, log: log, promReg: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			st.close()
		}
	}()

	st.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	st.metrics = metrics.New(st.promReg)

	var persistent kv.Store
	if memory {
		st.gateway = gateway.NewMemoryGateway(nil)
		persistent = kv.NewMemoryStore(nil)
	} else {
		if persistent, err = st.openStorage(ctx); err != nil {
			return nil, err
		}
	}

	st.console, err = operator.NewConsole(operator.ConsoleOpts{
		Gateway: st.gateway,
		Guide:   cfg.Guide,
		Logger:  log,
		Metrics: st.metrics,
	})
	if err != nil {
		return nil, err
	}

	beacon, err := st.wireBeacon(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.startAnnouncer(ctx); err != nil {
		return nil, err
	}

	st.registry, err = visitor.NewRegistry(visitor.RegistryOpts{
		Persistent: persistent,
		Gateway:    st.gateway,
		Responder:  newResponder(cfg.Assistant, log),
		Beacon:     beacon,
		Config:     cfg,
		Logger:     log,
		Metrics:    st.metrics,
	})
	if err != nil {
		return nil, err
	}
	st.onClose(func() {
		if n := st.registry.CloseAll(context.Background()); n > 0 {
			log.WithField("runtimes", n).Info("guide: closed visitor runtimes")
		}
	})

	st.visitors, err = visitor.NewServer(visitor.ServerOpts{Registry: st.registry, Logger: log})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// openStorage connects the SQL conversation store, the optional NATS bus
// and the identity store (Redis when configured, SQL otherwise).
func (st *stack) openStorage(ctx context.Context) (kv.Store, error) {
	cfg := st.cfg
	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	st.db = gormDB

	var notifier gateway.Notifier
	if cfg.NATS.URL != "" {
		hostname, _ := os.Hostname()
		st.bus, err = bus.Connect(bus.Opts{
			URL:    cfg.NATS.URL,
			Token:  cfg.NATS.Token,
			Prefix: cfg.NATS.SubjectPrefix,
			Origin: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
			Logger: st.log,
		})
		if err != nil {
			return nil, err
		}
		st.onClose(st.bus.Close)
		notifier = st.bus
	}

	gw, err := gateway.NewGormGateway(gateway.GormOpts{
		DB:           gormDB,
		Logger:       st.log,
		PollInterval: cfg.Session.PollInterval(),
		Notifier:     notifier,
	})
	if err != nil {
		return nil, err
	}
	if err := gw.Start(ctx); err != nil {
		return nil, err
	}
	st.onClose(gw.Close)
	st.gateway = gw

	if cfg.Redis.URL != "" {
		rs, err := kv.NewRedisStore(ctx, cfg.Redis.URL, kv.DefaultRedisOptions())
		if err != nil {
			return nil, err
		}
		st.onClose(func() { _ = rs.Close() })
		return rs, nil
	}

	gs, err := kv.NewGormStore(gormDB, nil)
	if err != nil {
		return nil, err
	}
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(kvSweepSchedule, func() {
		n, err := gs.Sweep(ctx)
		if err != nil {
			st.log.WithError(err).Warn("guide: kv sweep failed")
			return
		}
		if n > 0 {
			st.log.WithField("rows", n).Debug("guide: swept expired kv rows")
		}
	}); err != nil {
		return nil, fmt.Errorf("guide: schedule kv sweep: %w", err)
	}
	sweeper.Start()
	st.onClose(func() { <-sweeper.Stop().Done() })
	return gs, nil
}

// wireBeacon returns the tab-closing fallback and starts applying close
// requests from the bus. Without NATS there is no fallback; browsers still
// reach the HTTP beacon endpoint.
func (st *stack) wireBeacon(ctx context.Context) (conversation.Beacon, error) {
	if st.bus == nil {
		return nil, nil
	}
	off, err := st.bus.OnCloseRequest(func(req bus.CloseRequest) {
		if err := st.console.ApplyCloseRequest(ctx, req.ConversationID, req.Actor, req.Reason); err != nil {
			st.log.WithError(err).WithField("conversation_id", req.ConversationID).Warn("guide: close request failed")
		}
	})
	if err != nil {
		return nil, err
	}
	st.onClose(off)
	return visitor.NewBusBeacon(st.bus, nil)
}

// startAnnouncer posts handoffs and closes to the configured chat
// platforms. It does nothing when none is configured.
func (st *stack) startAnnouncer(ctx context.Context) error {
	var adapters []telegraph.Adapter
	if c := st.cfg.Notify.Slack; c.Enabled() {
		a, err := slack.New(slack.AdapterOpts{BotToken: c.Token, ChannelID: c.Channel})
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}
	if c := st.cfg.Notify.Discord; c.Enabled() {
		a, err := discord.New(discord.AdapterOpts{BotToken: c.Token, ChannelID: c.Channel, Logger: st.log})
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return nil
	}

	ann, err := telegraph.NewAnnouncer(telegraph.AnnouncerOpts{
		Gateway:   st.gateway,
		GuideSlug: st.cfg.Guide.Slug,
		Adapters:  adapters,
		Logger:    st.log,
		Metrics:   st.metrics,
	})
	if err != nil {
		return err
	}
	st.announcer = ann

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ann.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			st.log.WithError(err).Warn("guide: announcer stopped")
		}
	}()
	st.onClose(func() {
		cancel()
		<-done
	})
	return nil
}

// newResponder picks the assistant backend. A missing API key degrades to
// the offline responder, which always offers a human.
func newResponder(cfg config.AssistantConfig, log *logrus.Logger) assistant.Responder {
	offline := assistant.Offline{Marker: cfg.HandoffMarker}
	if cfg.Provider == "none" {
		return offline
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		log.WithField("env", cfg.APIKeyEnv).Warn("guide: assistant api key not set, using offline responder")
		return offline
	}
	a, err := assistant.NewAnthropic(assistant.AnthropicOpts{
		APIKey:    key,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		System:    cfg.SystemPrompt,
	})
	if err != nil {
		log.WithError(err).Warn("guide: assistant unavailable, using offline responder")
		return offline
	}
	return a
}
