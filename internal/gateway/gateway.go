// Package gateway is the daemon supervisor: it builds the object graph
// from configuration, claims the pidfile, and runs the panel, channel
// pollers, heartbeat timer, and cron loop until shutdown.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelworks/valet/internal/builtin"
	"github.com/kestrelworks/valet/internal/channels/telegram"
	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/costs"
	"github.com/kestrelworks/valet/internal/creds"
	"github.com/kestrelworks/valet/internal/cron"
	"github.com/kestrelworks/valet/internal/graph"
	"github.com/kestrelworks/valet/internal/heartbeat"
	"github.com/kestrelworks/valet/internal/identity"
	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/memory"
	"github.com/kestrelworks/valet/internal/notify"
	"github.com/kestrelworks/valet/internal/providers"
	"github.com/kestrelworks/valet/internal/session"
	"github.com/kestrelworks/valet/internal/tools"
	"github.com/kestrelworks/valet/internal/web"
)

const (
	heartbeatInitialDelay = 5 * time.Second
	cronInitialDelay      = 10 * time.Second
	cronTickInterval      = time.Minute
	shutdownGrace         = 10 * time.Second
)

// Options configures a gateway.
type Options struct {
	Config  *config.Store
	Creds   creds.Store
	Version string
	Logger  *slog.Logger
	LogTail func() []string
}

// Gateway owns the daemon's long-running pieces.
type Gateway struct {
	cfg      *config.Store
	creds    creds.Store
	version  string
	logger   *slog.Logger
	dataDir  string
	pidPath  string
	engine   *session.Engine
	registry *providers.Registry
	notifier *notify.Notifier
	runner   *heartbeat.Runner
	sched    *cron.Scheduler
	web      *web.Server
}

var layoutDirs = []string{
	"sessions", "journal", "notes", "inbox", "contexts", "outfits",
	"identity", "skills", "custom-tools", "custom-tools-quarantine", "graph",
}

func ensureLayout(dataDir string) error {
	for _, d := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(dataDir, d), 0o755); err != nil {
			return fmt.Errorf("gateway: mkdir %s: %w", d, err)
		}
	}
	return nil
}

// New builds the full object graph. Channel pollers are created lazily at
// Run time so a missing Telegram token degrades instead of failing boot.
func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.Config()
	dataDir := config.ExpandPath(cfg.DataDir)
	if err := ensureLayout(dataDir); err != nil {
		return nil, err
	}

	ledger, err := costs.OpenLedger(filepath.Join(dataDir, "cost-log.json"), costs.LedgerConfig{
		DailyLimitUSD:    cfg.Budget.DailyLimitUSD,
		WarnThresholdUSD: cfg.Budget.WarnThresholdUSD,
		DefaultPrice: costs.Price{
			Input:  cfg.Budget.DefaultInputPerMTok,
			Output: cfg.Budget.DefaultOutputPerMTok,
		},
	})
	if err != nil {
		return nil, err
	}

	registry, err := providers.Build(cfg, opts.Creds, logger)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(filepath.Join(dataDir, "sessions"))
	if err != nil {
		return nil, err
	}
	graphStore, err := graph.OpenStore(filepath.Join(dataDir, "graph", "graph.json"))
	if err != nil {
		return nil, err
	}
	daybook := journal.New(filepath.Join(dataDir, "journal"))
	notifier := notify.New(logger)

	toolReg := tools.NewRegistry()
	if err := builtin.Register(toolReg, builtin.Deps{
		Journal:    daybook,
		Notifier:   notifier,
		Graph:      graphStore,
		VaultDir:   filepath.Join(dataDir, "notes"),
		AllowShell: true,
	}); err != nil {
		return nil, err
	}
	loaded := tools.LoadCustomDir(
		filepath.Join(dataDir, "custom-tools"),
		filepath.Join(dataDir, "custom-tools-quarantine"),
		toolReg, logger)
	if loaded > 0 {
		logger.Info("custom tools loaded", "count", loaded)
	}

	contextsDir := filepath.Join(dataDir, "contexts")
	composer := &identity.Composer{
		IdentityDir:  filepath.Join(dataDir, "identity"),
		ContextsDir:  contextsDir,
		SkillsDir:    filepath.Join(dataDir, "skills"),
		DefaultModel: cfg.Models["default"].Model,
		Journal:      daybook,
		Ledger:       ledger,
		Recaller:     &memory.VaultRecaller{Dir: filepath.Join(dataDir, "notes")},
		Graph:        graphStore,
		Tools:        toolReg,
		Logger:       logger,
	}
	extractor := &graph.Extractor{Registry: registry, Store: graphStore, Logger: logger}

	engine := session.NewEngine(session.EngineOptions{
		Store:       store,
		Registry:    registry,
		Tools:       toolReg,
		Ledger:      ledger,
		Prompt:      composer.Compose,
		Journal:     daybook,
		Extractor:   extractor,
		Logger:      logger,
		Defaults:    cfg.Session,
		ContextsDir: contextsDir,
		OutfitsDir:  filepath.Join(dataDir, "outfits"),
	})

	audit, err := heartbeat.OpenAuditLog(filepath.Join(dataDir, "heartbeat-audit.json"))
	if err != nil {
		return nil, err
	}
	runner := heartbeat.NewRunner(heartbeat.RunnerOptions{
		Engine:    engine,
		Registry:  registry,
		Journal:   daybook,
		Graph:     graphStore,
		Notifier:  notifier,
		Audit:     audit,
		StatePath: filepath.Join(dataDir, "heartbeat-state.json"),
		Config:    func() config.HeartbeatConfig { return opts.Config.Config().Heartbeat },
		Logger:    logger,
	})

	cronStore, err := cron.OpenStore(filepath.Join(dataDir, "crons.json"))
	if err != nil {
		return nil, err
	}
	sched := cron.NewScheduler(cronStore, engine, logger)

	panel := web.NewServer(web.ServerOptions{
		Config:      opts.Config,
		Creds:       opts.Creds,
		Engine:      engine,
		Registry:    registry,
		Tools:       toolReg,
		Ledger:      ledger,
		Heartbeat:   runner,
		Audit:       audit,
		Crons:       cronStore,
		LogTail:     opts.LogTail,
		SkillsDir:   filepath.Join(dataDir, "skills"),
		ContextsDir: contextsDir,
		Version:     opts.Version,
		Logger:      logger,
	})

	return &Gateway{
		cfg:      opts.Config,
		creds:    opts.Creds,
		version:  opts.Version,
		logger:   logger.With("component", "gateway"),
		dataDir:  dataDir,
		pidPath:  filepath.Join(dataDir, "gateway.pid"),
		engine:   engine,
		registry: registry,
		notifier: notifier,
		runner:   runner,
		sched:    sched,
		web:      panel,
	}, nil
}

// Engine exposes the session engine for the CLI chat command.
func (g *Gateway) Engine() *session.Engine { return g.engine }

// Heartbeat exposes the runner for the CLI heartbeat command.
func (g *Gateway) Heartbeat() *heartbeat.Runner { return g.runner }

// Run boots the daemon and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := AcquirePidfile(g.pidPath, g.logger); err != nil {
		return err
	}
	defer ReleasePidfile(g.pidPath)

	if err := g.web.Start(); err != nil {
		return err
	}

	go func() {
		if err := g.cfg.Watch(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn("config watch stopped", "error", err)
		}
	}()

	g.startTelegram(ctx)
	go g.heartbeatLoop(ctx)
	go g.cronLoop(ctx)

	g.logger.Info("gateway up", "version", g.version, "data_dir", g.dataDir)
	<-ctx.Done()

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := g.web.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("panel shutdown", "error", err)
	}
	return nil
}

// startTelegram brings up the Telegram poller when configured. Channel
// failures are logged, never fatal: the daemon is useful without them.
func (g *Gateway) startTelegram(ctx context.Context) {
	cfg := g.cfg.Config()
	if !cfg.Telegram.Enabled {
		return
	}
	token, err := g.creds.Get(cfg.Telegram.TokenKey)
	if err != nil {
		g.logger.Warn("telegram disabled: token unavailable", "key", cfg.Telegram.TokenKey, "error", err)
		return
	}
	poller, err := telegram.NewPoller(telegram.PollerOptions{
		Token:         token,
		Engine:        g.engine,
		Config:        func() config.TelegramConfig { return g.cfg.Config().Telegram },
		SessionsPath:  filepath.Join(g.dataDir, "telegram-sessions.json"),
		OnUserContact: g.runner.NoteUserContact,
		Logger:        g.logger,
	})
	if err != nil {
		g.logger.Warn("telegram poller failed to start", "error", err)
		return
	}
	g.notifier.Register("telegram", notify.SenderFunc(poller.Send))
	go poller.Run(ctx)
}

// heartbeatLoop ticks the heartbeat on the configured interval. The
// interval is re-read after every tick, so panel edits apply without a
// restart.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	timer := time.NewTimer(heartbeatInitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cfg := g.cfg.Config().Heartbeat
			if cfg.Enabled {
				if res, err := g.runner.Tick(ctx); err != nil {
					g.logger.Error("heartbeat tick failed", "error", err)
				} else if res.Ran {
					g.logger.Info("heartbeat ran", "events", res.Events)
				}
			}
			interval := time.Duration(g.cfg.Config().Heartbeat.IntervalMinutes) * time.Minute
			timer.Reset(interval)
		}
	}
}

func (g *Gateway) cronLoop(ctx context.Context) {
	timer := time.NewTimer(cronInitialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			g.sched.RunDue(ctx, time.Now())
			timer.Reset(cronTickInterval)
		}
	}
}
