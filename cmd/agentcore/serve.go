package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"agentcore/internal/config"
	"agentcore/internal/domain"
	"agentcore/internal/eventbus"
	"agentcore/internal/orchestrator"
	"agentcore/internal/registry"
	"agentcore/internal/router"
	"agentcore/internal/store"
	"agentcore/internal/workflow"
)

var (
	serveAddr      string
	serveTemplates string
	serveDemo      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator with its admin HTTP API",
	Long: `Start the event bus, registry, router, workflow engine and orchestrator
and serve the admin API and /metrics until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "admin http listen address override")
	serveCmd.Flags().StringVar(&serveTemplates, "templates", "", "workflow templates directory override")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "register the built-in demo agents")
}

// node is one running process: every component wired over a shared store.
type node struct {
	cfg          config.Config
	store        store.Store
	registry     *registry.Registry
	router       *router.Router
	bus          *eventbus.Bus
	engine       *workflow.Engine
	orchestrator *orchestrator.Service
	logger       *slog.Logger
}

func newNode(cfg config.Config, st store.Store, promReg prometheus.Registerer, logger *slog.Logger) (*node, error) {
	serverID := uuid.NewString()

	var (
		busMetrics  *eventbus.Metrics
		orchMetrics *orchestrator.Metrics
	)
	if cfg.Metrics.On() {
		busMetrics = eventbus.MustNewMetrics(promReg)
		orchMetrics = orchestrator.MustNewMetrics(promReg)
	}

	bus := eventbus.New(st, eventbus.Config{
		EventTTL:          config.Duration(cfg.EventBus.EventTTLMS, 0),
		DefaultMaxRetries: cfg.EventBus.DefaultMaxRetries,
		BackoffUnit:       config.Duration(cfg.EventBus.BackoffUnitMS, 0),
		StreamBuffer:      cfg.EventBus.StreamBuffer,
		StreamIdleTimeout: config.Duration(cfg.EventBus.StreamIdleTimeoutMS, 0),
		Channel:           cfg.EventBus.Channel,
		WebhookTimeout:    config.Duration(cfg.EventBus.WebhookTimeoutMS, 0),
		InstanceID:        serverID,
	}, busMetrics, logger)

	reg := registry.New(st, config.Duration(cfg.Registry.HeartbeatTTLMS, time.Minute), logger)
	rt, err := router.New(router.ServerScoped(reg, serverID), config.IntOrDefault(cfg.Router.CacheSize, 1024), logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	engine := workflow.New(rt, nil, bus, st, workflow.Config{
		TemplatesDir:       cfg.Workflow.TemplatesDir,
		Watch:              cfg.Workflow.Watch,
		MaxParallelSteps:   cfg.Workflow.MaxParallelSteps,
		RoutePollInterval:  config.Duration(cfg.Workflow.RoutePollIntervalMS, 0),
		DefaultStepTimeout: config.Duration(cfg.Workflow.DefaultStepTimeoutMS, 0),
		ExecutionTTL:       config.Duration(cfg.Workflow.ExecutionTTLMS, 0),
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Registry:  reg,
		Router:    rt,
		Events:    bus,
		Workflows: engine,
		Metrics:   orchMetrics,
	}, orchestrator.ConfigFrom(cfg.Orchestrator, serverID), logger)
	engine.SetDelegator(orch)

	return &node{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		router:       rt,
		bus:          bus,
		engine:       engine,
		orchestrator: orch,
		logger:       logger,
	}, nil
}

// start brings the components up leaves first.
func (n *node) start(ctx context.Context) error {
	restored, err := n.bus.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}
	if err := n.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := n.registerServer(ctx); err != nil {
		return err
	}
	if err := n.engine.Start(ctx); err != nil {
		return fmt.Errorf("start workflow engine: %w", err)
	}
	if err := n.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	n.logger.Info("node started", "server_id", n.orchestrator.ServerID(), "restored_subscriptions", restored)
	return nil
}

func (n *node) registerServer(ctx context.Context) error {
	host, _ := os.Hostname()
	err := n.registry.RegisterServer(ctx, domain.ServerInfo{
		ID:   n.orchestrator.ServerID(),
		Host: host,
		Addr: n.cfg.Orchestrator.Addr,
	})
	if err != nil {
		return fmt.Errorf("register server: %w", err)
	}
	return nil
}

// keepServerAlive renews the server entry until ctx is done.
func (n *node) keepServerAlive(ctx context.Context) {
	ttl := config.Duration(n.cfg.Registry.HeartbeatTTLMS, time.Minute)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.registerServer(ctx); err != nil {
				n.logger.Error("server heartbeat failed", "error", err)
			}
		}
	}
}

func (n *node) shutdown(ctx context.Context) error {
	err := n.orchestrator.Shutdown(ctx)
	n.bus.Close()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Orchestrator.Addr = config.FirstNonEmpty(serveAddr, cfg.Orchestrator.Addr, ":8091")
	cfg.Workflow.TemplatesDir = config.FirstNonEmpty(serveTemplates, cfg.Workflow.TemplatesDir)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	reg := prometheus.NewRegistry()
	n, err := newNode(cfg, st, reg, logger)
	if err != nil {
		return err
	}
	if err := n.start(ctx); err != nil {
		return err
	}
	go n.keepServerAlive(ctx)

	if serveDemo {
		for _, a := range demoAgents(n.orchestrator.ServerID(), logger) {
			if err := n.orchestrator.RegisterAgent(ctx, a); err != nil {
				logger.Error("demo agent registration failed", "agent_id", a.ID(), "error", err)
			}
		}
	}

	server := &http.Server{
		Addr:              cfg.Orchestrator.Addr,
		Handler:           newAdmin(n, reg).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("agentcore started",
		"addr", cfg.Orchestrator.Addr,
		"store", cfg.Store.Driver,
		"templates", cfg.Workflow.TemplatesDir,
		"server_id", n.orchestrator.ServerID(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if err := n.shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("agentcore stopped")
	return runErr
}
