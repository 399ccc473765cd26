package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tidewheel/tidewheel/internal/capability"
	"github.com/tidewheel/tidewheel/internal/config"
	"github.com/tidewheel/tidewheel/internal/luacap"
	"github.com/tidewheel/tidewheel/internal/metrics"
	"github.com/tidewheel/tidewheel/internal/monitor"
	"github.com/tidewheel/tidewheel/internal/orchestrator"
	"github.com/tidewheel/tidewheel/internal/provider"
	"github.com/tidewheel/tidewheel/internal/scheduler"
	"github.com/tidewheel/tidewheel/internal/state"
	"github.com/tidewheel/tidewheel/internal/state/store"
	"github.com/tidewheel/tidewheel/internal/stream"
	"github.com/tidewheel/tidewheel/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: tidewheel -config <path>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log.Printf("%s starting", version.Get())

	// Stores.
	vars, memories, cleanup, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Capability registry.
	registry := capability.NewRegistry()
	if err := registry.Register(capability.MemoryDescriptor(), capability.NewMemoryHandler(memories)); err != nil {
		return err
	}
	if err := registry.Register(capability.VariableDescriptor(), capability.NewVariableHandler(vars)); err != nil {
		return err
	}
	for _, sc := range cfg.Capabilities {
		if err := registry.Register(sc.Descriptor, luacap.NewHandler(sc.ScriptDir)); err != nil {
			return err
		}
	}

	// Metrics.
	promReg := prometheus.NewRegistry()
	mx := metrics.New(promReg)

	// Language model clients.
	narration, err := buildProvider(cfg, cfg.LLM.Narration)
	if err != nil {
		return err
	}
	recoveryLLM, err := buildProvider(cfg, cfg.LLM.Recovery)
	if err != nil {
		return err
	}

	// Orchestration.
	hub := stream.NewHub()
	runner := orchestrator.NewRunner(registry, orchestrator.WithRunnerMetrics(mx))

	execOpts := []orchestrator.ExecutorOption{
		orchestrator.WithPublisher(hub),
		orchestrator.WithMetrics(mx),
	}
	if cfg.Orchestrator.MaxStepRetries > 0 {
		execOpts = append(execOpts, orchestrator.WithStepRetries(cfg.Orchestrator.MaxStepRetries))
	}
	if cfg.Orchestrator.MaxRecoveryRetries > 0 {
		execOpts = append(execOpts, orchestrator.WithRecoveryRetries(cfg.Orchestrator.MaxRecoveryRetries))
	}
	if narration != nil {
		execOpts = append(execOpts, orchestrator.WithNarration(narration))
	}
	if recoveryLLM != nil {
		execOpts = append(execOpts,
			orchestrator.WithRecovery(orchestrator.NewRecovery(recoveryLLM, runner, orchestrator.WithRecoveryMetrics(mx))))
	}
	executor := orchestrator.NewExecutor(runner, registry, vars, execOpts...)

	// Scheduler.
	sched := scheduler.NewWithPolicy(executor, cfg.DataDir, cfg.Scheduler.Approvers, cfg.Scheduler.MaxJobsPerUser)
	if err := sched.Start(cfg.Scheduler.Jobs); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	// Job monitor.
	var mon *monitor.Monitor
	if cfg.Monitor.JobServiceURL != "" {
		opts := []monitor.Option{monitor.WithMonitorMetrics(mx)}
		if tick, _ := cfg.Monitor.TickDuration(); tick > 0 {
			opts = append(opts, monitor.WithTick(tick))
		}
		if cfg.Monitor.MaxOrphanRetries > 0 {
			opts = append(opts, monitor.WithMaxOrphanRetries(cfg.Monitor.MaxOrphanRetries))
		}
		mon = monitor.New(monitor.NewHTTPStatusClient(cfg.Monitor.JobServiceURL), opts...)
		mon.Start()
		defer mon.Stop()
	}

	// HTTP surfaces.
	servers := startServers(cfg, hub, promReg)
	defer stopServers(servers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Printf("shutting down")
	return nil
}

func buildStores(cfg *config.Config) (state.Variables, state.Memories, func(), error) {
	switch cfg.Variables.Backend {
	case "sqlite":
		db, err := store.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, nil, err
		}
		return store.NewVarStore(db), store.NewMemoryStore(db), func() { _ = db.Close() }, nil
	case "redis":
		vars := state.NewRedisVars(cfg.Variables.Redis.Addr, cfg.Variables.Redis.Password, cfg.Variables.Redis.DB)
		// Memories stay local; only the variable store is shared
		// across processes.
		return vars, state.NewMemoryStore(), func() { _ = vars.Close() }, nil
	default:
		return state.NewVarStore(), state.NewMemoryStore(), func() {}, nil
	}
}

func buildProvider(cfg *config.Config, name string) (provider.Provider, error) {
	if name == "" {
		return nil, nil
	}
	pc := cfg.Providers[name]
	return provider.FromSettings(provider.Settings{
		ID:      name,
		BaseURL: pc.BaseURL,
		APIKey:  pc.APIKey,
		API:     pc.API,
		Model:   pc.Model,
	})
}

func startServers(cfg *config.Config, hub *stream.Hub, promReg *prometheus.Registry) []*http.Server {
	var servers []*http.Server

	if cfg.Listen.Stream != "" {
		mux := http.NewServeMux()
		mux.Handle("/stream", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		servers = append(servers, serve(cfg.Listen.Stream, mux))
	}
	if cfg.Listen.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		servers = append(servers, serve(cfg.Listen.Metrics, mux))
	}
	return servers
}

func serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http %s: %v", addr, err)
		}
	}()
	return srv
}

func stopServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}
