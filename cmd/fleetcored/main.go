// Command fleetcored is the fleet control plane's daemon: it wires the
// object store, message bus, registry, waitlist, task dispatcher,
// allocator, reboot orchestrator, notification fan-out, and HTTP
// surface together and serves them until signaled to stop. Adapted
// from the teacher's cmd/goclaw/main.go startup sequence (dotenv load,
// structured fatalStartup, component-by-component init with deferred
// cleanup, graceful shutdown on SIGINT/SIGTERM) with every LLM-agent
// component replaced by its fleet-domain equivalent.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/fleetcore/internal/allocator"
	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/httpapi"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/otelobs"
	"github.com/basket/fleetcore/internal/reboot"
	"github.com/basket/fleetcore/internal/registry"
	"github.com/basket/fleetcore/internal/schedule"
	"github.com/basket/fleetcore/internal/store/sqlite"
	"github.com/basket/fleetcore/internal/tasks"
	"github.com/basket/fleetcore/internal/telemetry"
	"github.com/basket/fleetcore/internal/waitlist"
	"github.com/basket/fleetcore/internal/workflow"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Start the control-plane daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETCORE_HOME                Data directory (default: ~/.fleetcore)
  FLEETCORE_BIND_ADDR           HTTP listen address
  FLEETCORE_BUS_URL             Message bus URL
  FLEETCORE_STORE_PATH          Object store sqlite path
  FLEETCORE_HEARTBEAT_STALE_AFTER  Heartbeat staleness window (e.g. 90s)
  TELEGRAM_TOKEN                Enables the Telegram notification sink
  FLEETCORE_OTLP_ENDPOINT        Enables OTLP trace export
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	otelProvider, err := otelobs.Init(ctx, otelobs.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    exporterFromEndpoint(cfg.Otel.OTLPEndpoint),
		Endpoint:    cfg.Otel.OTLPEndpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  1.0,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	storePath := cfg.Store.Path
	if storePath != ":memory:" {
		storePath = filepath.Join(cfg.HomeDir, storePath)
	}
	st, err := sqlite.Open(storePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// The reference deployment runs the in-process broker; a real
	// deployment points bus.NewReconnectingClient at cfg.Bus.URL via a
	// Dial that speaks to the actual AMQP (or similar) broker instead.
	eventBus := bus.NewMemoryBroker()
	defer eventBus.Close()

	reg, err := registry.New(st, logger, cfg.Registry.HeartbeatStaleAfter)
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_INIT", err)
	}
	if err := reg.EnsureDefault(ctx); err != nil {
		fatalStartup(logger, "E_REGISTRY_SEED", err)
	}

	wl := waitlist.New(logger)
	tsk := tasks.New(st, eventBus, logger)

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			tg, err := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatIDs, logger)
			if err != nil {
				logger.Warn("failed to start telegram notifier", "error", err)
			} else {
				notifiers = append(notifiers, tg)
			}
		}
	}
	notifier := notify.NewMulti(logger, notifiers...)

	// The in-process engine is the only implementation of workflow.Engine
	// this repo carries; a real deployment points a client at the actual
	// (out-of-scope) workflow system instead.
	engine := workflow.NewInProcessEngine(nil)
	orch := reboot.New(st, reg, engine, notifier, logger)

	sched := schedule.NewRunner(logger)
	if err := sched.Add(schedule.Job{
		Name: "registry.reconcile_staleness",
		Spec: "@every 30s",
		Run: func(jobCtx context.Context) {
			if n, err := reg.ReconcileStaleness(jobCtx); err != nil {
				logger.Error("staleness reconcile failed", "error", err)
			} else if n > 0 {
				logger.Info("staleness reconcile completed", "marked_unknown", n)
			}
		},
	}); err != nil {
		fatalStartup(logger, "E_SCHEDULE_ADD", err)
	}
	if err := sched.Add(schedule.Job{
		Name: "reboot.reconcile",
		Spec: "@every 15s",
		Run:  orch.ReconcileJob,
	}); err != nil {
		fatalStartup(logger, "E_SCHEDULE_ADD", err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	weights := allocator.Weights{
		CurrentPlatform: cfg.Allocator.Weights.CurrentPlatform,
		NextReboot:      cfg.Allocator.Weights.NextReboot,
		NumOwnerZones:   cfg.Allocator.Weights.NumOwnerZones,
		UniformRandom:   cfg.Allocator.Weights.UniformRandom,
		UnreservedDisk:  cfg.Allocator.Weights.UnreservedDisk,
		UnreservedRAM:   cfg.Allocator.Weights.UnreservedRAM,
	}
	options := allocator.Options{
		FilterHeadnode:     cfg.Allocator.FilterHeadnode,
		FilterMinResources: cfg.Allocator.FilterMinResources,
		FilterLargeServers: cfg.Allocator.FilterLargeServers,
		MinFreeRAM:         cfg.Allocator.MinFreeRAMBytes,
		MinFreeDisk:        cfg.Allocator.MinFreeDiskBytes,
		MinFreeCPU:         cfg.Allocator.MinFreeCPU,
		LargeServerRAM:     cfg.Allocator.LargeServerRAMBytes,
		SmallVMRAM:         cfg.Allocator.SmallVMRAMBytes,
	}

	api := httpapi.New(httpapi.Config{
		Registry:         reg,
		Waitlist:         wl,
		Tasks:            tsk,
		Reboot:           orch,
		AllocatorWeights: weights,
		AllocatorOptions: options,
		Broker:           eventBus,
		Logger:           logger,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) == "config.yaml" {
				logger.Info("config.yaml hot-reload event noted; allocator weights/options apply on next request", "path", ev.Path)
			}
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("fleetcored listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func exporterFromEndpoint(endpoint string) string {
	if endpoint == "" {
		return "stdout"
	}
	return "otlp-http"
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", reasonCode, "error", "", message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, `{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
