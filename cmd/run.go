package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/warden/internal/approvals"
	"github.com/nextlevelbuilder/warden/internal/bootstrap"
	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/channels"
	"github.com/nextlevelbuilder/warden/internal/channels/discord"
	"github.com/nextlevelbuilder/warden/internal/channels/telegram"
	"github.com/nextlevelbuilder/warden/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/deploy"
	"github.com/nextlevelbuilder/warden/internal/gateway"
	"github.com/nextlevelbuilder/warden/internal/ipc"
	"github.com/nextlevelbuilder/warden/internal/queue"
	"github.com/nextlevelbuilder/warden/internal/router"
	"github.com/nextlevelbuilder/warden/internal/scheduler"
	"github.com/nextlevelbuilder/warden/internal/security"
	"github.com/nextlevelbuilder/warden/internal/services"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/internal/state/pg"
	"github.com/nextlevelbuilder/warden/internal/state/sqlite"
	"github.com/nextlevelbuilder/warden/internal/tracing"
	"github.com/nextlevelbuilder/warden/internal/worker"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the host in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			runHost()
		},
	}
}

func runHost() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if !verbose && cfg.LogLevel != "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})))
	}

	os.MkdirAll(cfg.DataRootPath(), 0755)
	os.MkdirAll(cfg.WorkspacesRoot(), 0755)

	var st state.Store
	storeDriver := "sqlite"
	if cfg.UsesPostgres() {
		storeDriver = "postgres"
		st, err = pg.Open(cfg.Store.PostgresDSN)
	} else {
		os.MkdirAll(filepath.Dir(cfg.StorePath()), 0755)
		st, err = sqlite.Open(cfg.StorePath())
	}
	if err != nil {
		slog.Error("failed to open store", "driver", storeDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without", "error", err)
		tracer = tracing.Noop()
	}
	defer tracer.Shutdown(context.Background())

	msgBus := bus.New()
	root := ipc.NewRoot(cfg.IPCRoot())

	// Security gate pieces. A cop without endpoint or key stays nil and
	// the gates fail open on review paths.
	scanner := security.NewScanner(cfg.Security.SecretsScannerDetectors)
	var cop security.Reviewer
	if cfg.Security.Cop.BaseURL != "" || cfg.Security.Cop.APIKey != "" {
		cop = security.NewCop(security.CopConfig{
			APIKey:         cfg.Security.Cop.APIKey,
			APIBase:        cfg.Security.Cop.BaseURL,
			Model:          cfg.Security.Cop.Model,
			TimeoutSeconds: cfg.Security.Cop.TimeoutSeconds,
		})
		slog.Info("cop reviewer enabled", "model", cfg.Security.Cop.Model)
	}
	gates := security.NewRegistry()
	audit := &busAuditSink{store: st, bus: msgBus}

	channelMgr := channels.NewManager(msgBus)
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, chErr := telegram.New(cfg.Channels.Telegram, msgBus)
		if chErr != nil {
			slog.Error("failed to initialize telegram channel", "error", chErr)
		} else {
			channelMgr.Register(tg)
			slog.Info("telegram channel enabled")
		}
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, chErr := discord.New(cfg.Channels.Discord, msgBus)
		if chErr != nil {
			slog.Error("failed to initialize discord channel", "error", chErr)
		} else {
			channelMgr.Register(dc)
			slog.Info("discord channel enabled")
		}
	}
	if cfg.Channels.WhatsApp.Enabled && cfg.Channels.WhatsApp.BridgeURL != "" {
		wa, chErr := whatsapp.New(cfg.Channels.WhatsApp, msgBus)
		if chErr != nil {
			slog.Error("failed to initialize whatsapp channel", "error", chErr)
		} else {
			channelMgr.Register(wa)
			slog.Info("whatsapp channel enabled")
		}
	}

	apr := approvals.New(root, st, msgBus, channelMgr, cfg.ApprovalTimeout())

	svcReg := services.NewRegistry()
	services.RegisterConfigured(svcReg, cfg.Services)

	loc, tzErr := scheduler.ResolveTimezone(cfg.Scheduler.TimezoneOverride)
	if tzErr != nil {
		slog.Warn("invalid timezone override, using UTC", "timezone", cfg.Scheduler.TimezoneOverride, "error", tzErr)
	}

	dispatcher := services.NewDispatcher(cfg, st, gates, apr, svcReg, loc)
	dispatcher.SetTracer(tracer.Tracer("warden"))

	// The queue needs the manager, the manager's hooks need the queue
	// and the router. Both are assigned below, before any worker can
	// spawn.
	var q *queue.Queue
	var rtr *router.Router

	wrk := worker.NewManager(worker.Options{
		Image:          cfg.Worker.Image,
		Command:        cfg.Worker.Command,
		Args:           cfg.Worker.Args,
		WorkspacesRoot: cfg.WorkspacesRoot(),
		TurnTimeout:    cfg.TurnTimeout(),
		IdleTimeout:    cfg.IdleTimeout(),
		MaxConcurrent:  int64(cfg.Worker.MaxConcurrent),
		MaxOutputBytes: cfg.Worker.MaxOutputBytes,
	}, worker.NewDockerRuntime(), root, gates, scanner, cop, audit, dispatcher, worker.Hooks{
		OnSpawn: func(sess *worker.Session) {
			seedWorkspaceFolder(cfg, sess)
			seedSnapshots(st, sess)
		},
		OnCrash: func(folder string, err error) {
			q.ReleaseOnExit(folder)
			rtr.NotifyCrash(folder, err)
		},
	})
	wrk.SetEventBus(msgBus)

	q = queue.New(wrk, st, func(ws *state.Workspace, chatID string, ev *wire.OutputEvent) {
		rtr.HandleWorkerEvent(ws, chatID, ev)
	})

	apr.SetExecutor(dispatcher)
	apr.SetColdPath(q, func(folder string) bool {
		_, ok := wrk.Get(folder)
		return ok
	})

	rtr = router.New(cfg, st, msgBus, q, apr)

	dep := deploy.New(cfg, st, msgBus, q)
	rtr.SetDeployer(dep)
	dispatcher.SetDeployer(dep)
	dispatcher.SetGroupCreator(channelMgr)

	sched := scheduler.New(st, q, msgBus, loc,
		time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second,
		cfg.Security.AuditRetentionDays)
	sched.SetChatterSenders("warden", cfg.Agent.Name)

	var gw *gateway.Server
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg, st, msgBus, apr)
		gw.SetSessionSource(wrk.Snapshot)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	go apr.Run(ctx)
	go sched.Run(ctx)
	go wrk.Run(ctx)
	if gw != nil {
		go func() {
			if gwErr := gw.Start(ctx); gwErr != nil {
				slog.Error("gateway error", "error", gwErr)
			}
		}()
	}

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		channelMgr.StopAll(context.Background())
		wrk.StopAll(context.Background())
		cancel()
	}()

	slog.Info("warden host starting",
		"version", Version,
		"store", storeDriver,
		"image", cfg.Worker.Image,
		"channels", channelMgr.Names(),
		"gateway", cfg.Gateway.Enabled,
	)

	if err := dep.Resume(ctx); err != nil {
		slog.Warn("deploy continuation resume failed", "error", err)
	}

	rtr.Run(ctx)
}

// busAuditSink persists gate decisions and mirrors them onto the event
// bus for gateway subscribers.
type busAuditSink struct {
	store state.Store
	bus   *bus.MessageBus
}

func (s *busAuditSink) Record(ctx context.Context, ev *state.AuditEvent) {
	if err := s.store.AppendAudit(ctx, ev); err != nil {
		slog.Error("audit append failed", "request_id", ev.RequestID, "error", err)
	}
	s.bus.Broadcast(bus.Event{Name: "audit", Payload: ev})
}

// seedWorkspaceFolder creates the host-side mount folder and its
// starter files before the container mounts it.
func seedWorkspaceFolder(cfg *config.Config, sess *worker.Session) {
	dir := filepath.Join(cfg.WorkspacesRoot(), sess.Workspace.Folder)
	created, err := bootstrap.EnsureWorkspaceFiles(dir)
	if err != nil {
		slog.Warn("workspace folder seed failed", "workspace", sess.Workspace.Folder, "error", err)
		return
	}
	if len(created) > 0 {
		slog.Info("seeded workspace files", "workspace", sess.Workspace.Folder, "files", created)
	}
}

// seedSnapshots writes the initial current_tasks.json and
// available_workspaces.json before the worker process starts, so its
// first wait loop sees a consistent view.
func seedSnapshots(st state.Store, sess *worker.Session) {
	ctx := context.Background()

	tasks, err := st.ListScheduledTasks(ctx, sess.Workspace.Folder)
	if err != nil {
		slog.Warn("task snapshot seed failed", "workspace", sess.Workspace.Folder, "error", err)
	} else if err := sess.Writer().WriteCurrentTasks(tasks); err != nil {
		slog.Warn("task snapshot write failed", "workspace", sess.Workspace.Folder, "error", err)
	}

	wss, err := st.ListWorkspaces(ctx)
	if err != nil {
		slog.Warn("workspace snapshot seed failed", "workspace", sess.Workspace.Folder, "error", err)
		return
	}
	type entry struct {
		Name   string `json:"name"`
		Folder string `json:"folder"`
	}
	roster := make([]entry, 0, len(wss))
	for _, ws := range wss {
		roster = append(roster, entry{Name: ws.Name, Folder: ws.Folder})
	}
	if err := sess.Writer().WriteAvailableWorkspaces(roster); err != nil {
		slog.Warn("workspace snapshot write failed", "workspace", sess.Workspace.Folder, "error", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
