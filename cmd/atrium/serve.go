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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/atrium/internal/bootstrap"
	"github.com/haasonsaas/atrium/internal/breaker"
	"github.com/haasonsaas/atrium/internal/catalog"
	"github.com/haasonsaas/atrium/internal/config"
	"github.com/haasonsaas/atrium/internal/httppool"
	"github.com/haasonsaas/atrium/internal/llm"
	"github.com/haasonsaas/atrium/internal/mcp"
	"github.com/haasonsaas/atrium/internal/metacache"
	"github.com/haasonsaas/atrium/internal/oauth"
	"github.com/haasonsaas/atrium/internal/observability"
	"github.com/haasonsaas/atrium/internal/orchestrator"
	"github.com/haasonsaas/atrium/internal/scheduler"
	"github.com/haasonsaas/atrium/internal/secrets"
	"github.com/haasonsaas/atrium/internal/session"
	"github.com/haasonsaas/atrium/internal/store"
	"github.com/haasonsaas/atrium/internal/tools"
	"github.com/haasonsaas/atrium/internal/validation"
	"github.com/haasonsaas/atrium/internal/workflow"
	"github.com/haasonsaas/atrium/pkg/models"
)

const defaultConfigPath = "atrium.yaml"

// buildServeCmd creates the "serve" command that starts the backend.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration backend",
		Long: `Start the orchestration backend.

The server will:
1. Load configuration from the specified file (or atrium.yaml)
2. Initialize the persistence layer and seed system entities
3. Initialize LLM providers (Anthropic, OpenAI) behind the gateway
4. Start the scheduler for maintenance jobs and automation triggers
5. Expose health and metrics endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  atrium serve

  # Start with custom config
  atrium serve --config /etc/atrium/production.yaml

  # Start with debug logging
  atrium serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// loadServeConfig loads the config file, or falls back to defaults plus
// ANTHROPIC_API_KEY / OPENAI_API_KEY from the environment when the default
// path does not exist.
func loadServeConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	} else if path != defaultConfigPath {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := config.Default()
	cfg.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting atrium", "version", version, "config", configPath)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	// Persistence. An empty DSN runs everything in memory.
	var stores store.StoreSet
	if cfg.Database.DSN == "" {
		logger.Warn("no database configured, using in-memory stores")
		stores = store.NewMemoryStores()
	} else {
		poolCfg := store.DefaultPoolConfig()
		if cfg.Database.MaxConnections > 0 {
			poolCfg.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.MaxIdle > 0 {
			poolCfg.MaxIdleConns = cfg.Database.MaxIdle
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		stores, err = store.NewPostgresStores(cfg.Database.DSN, poolCfg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
	}
	defer stores.Close()

	if err := bootstrap.New(stores, bootstrap.WithLogger(logger)).Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	// Shared HTTP pool for all outbound MCP and OAuth traffic.
	poolCfg := httppool.DefaultConfig()
	if cfg.MCP.ConnectTimeout > 0 {
		poolCfg.ConnectTimeout = cfg.MCP.ConnectTimeout
	}
	if cfg.MCP.CallTimeout > 0 {
		poolCfg.RequestTimeout = cfg.MCP.CallTimeout
	}
	pool := httppool.New(poolCfg)
	defer pool.Close()

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), breaker.WithLogger(logger))
	gateway := llm.NewGateway(breakers, llm.WithGatewayLogger(logger))
	if err := registerProviders(gateway, cfg, logger); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}
	if err := gateway.ReinitWithPooledClient(pool.Client()); err != nil {
		return fmt.Errorf("reinit providers: %w", err)
	}

	// Secrets box for MCP server credentials. Optional: without a master key
	// the manager stores nothing sensitive encrypted at rest.
	var box *secrets.Box
	if value := os.Getenv(secrets.MasterKeyEnv); value != "" {
		box, err = secrets.NewBoxFromEnv(value)
		if err != nil {
			return fmt.Errorf("secrets: %w", err)
		}
	} else {
		logger.Warn("secrets master key not set, credential encryption disabled", "env", secrets.MasterKeyEnv)
	}

	cache := metacache.New(15*time.Minute, metacache.WithLogger(logger))
	redirectURI := fmt.Sprintf("http://%s:%d/oauth/callback", cfg.Server.Host, cfg.Server.Port)
	oauthMgr := oauth.NewManager(pool.Client(), cache, stores.Servers, stores.Servers,
		"atrium", redirectURI, oauth.WithLogger(logger))

	mcpMgr := mcp.NewManager(pool, box, oauthMgr, stores.Servers, mcp.WithManagerLogger(logger))
	defer mcpMgr.Close()

	// The session manager, orchestrator, and validation broker reference each
	// other; the two small indirections below break the construction cycle.
	checker := &deferredChecker{}
	gate := &deferredGate{}

	sessions := session.NewManager(checker, session.WithLogger(logger))

	registry, err := tools.NewRegistry(nil, tools.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("tool registry: %w", err)
	}

	orc := orchestrator.New(stores.Chats, stores.Agents, stores.Servers, stores.Resources,
		gateway, sessions, gate, registry, orchestrator.WithLogger(logger))

	broker := validation.NewBroker(stores.Validations, sessions, stores.Servers, mcpMgr,
		validation.WithLogger(logger), validation.WithResumer(orc))
	checker.broker = broker
	gate.broker = broker

	syncer := catalog.NewSyncer(gateway, stores.Models, catalog.WithLogger(logger))

	executor := workflow.NewExecutor(stores.Automations, stores.Servers, mcpMgr, orc, registry,
		workflow.WithLogger(logger))
	sched := scheduler.New(scheduler.WithLogger(logger))
	triggerSvc := workflow.NewTriggerService(executor, sched, stores.Automations, stores.Automations,
		workflow.WithTriggerLogger(logger))
	if err := registerAutomations(ctx, triggerSvc, stores, logger); err != nil {
		return fmt.Errorf("register automations: %w", err)
	}

	maint := scheduler.NewMaintenance(syncer, stores.Chats, broker, sessions,
		scheduler.WithMaintenanceLogger(logger))
	if err := maint.Register(sched); err != nil {
		return fmt.Errorf("register maintenance jobs: %w", err)
	}
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	srv := buildHTTPServer(cfg)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "metrics_path", cfg.Observability.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		metrics.RecordError("server", "internal")
		return fmt.Errorf("serve: %w", err)
	case <-runCtx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown incomplete", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

// registerProviders wires the configured LLM providers into the gateway.
// Model prefixes decide routing: claude-* goes to Anthropic, gpt-*/o-series
// to OpenAI.
func registerProviders(gateway *llm.Gateway, cfg *config.Config, logger *slog.Logger) error {
	if cfg.LLM.Anthropic.Enabled() {
		key, base := cfg.LLM.Anthropic.APIKey, cfg.LLM.Anthropic.BaseURL
		err := gateway.Register([]string{"claude"}, func(hc *http.Client) (llm.Provider, error) {
			opts := []llm.AnthropicOption{llm.WithAnthropicLogger(logger)}
			if base != "" {
				opts = append(opts, llm.WithAnthropicBaseURL(base))
			}
			if hc != nil {
				opts = append(opts, llm.WithAnthropicHTTPClient(hc))
			}
			return llm.NewAnthropicAdapter(key, opts...)
		})
		if err != nil {
			return err
		}
	}
	if cfg.LLM.OpenAI.Enabled() {
		key, base := cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL
		err := gateway.Register([]string{"gpt", "o1", "o3", "o4"}, func(hc *http.Client) (llm.Provider, error) {
			opts := []llm.OpenAIOption{llm.WithOpenAILogger(logger)}
			if base != "" {
				opts = append(opts, llm.WithOpenAIBaseURL(base))
			}
			if hc != nil {
				opts = append(opts, llm.WithOpenAIHTTPClient(hc))
			}
			return llm.NewOpenAIAdapter(key, opts...)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// registerAutomations installs cron triggers for every enabled automation so
// schedules survive restarts.
func registerAutomations(ctx context.Context, svc *workflow.TriggerService, stores store.StoreSet, logger *slog.Logger) error {
	automations, err := stores.Automations.ListAutomations(ctx, "")
	if err != nil {
		return err
	}
	for _, a := range automations {
		if !a.Enabled {
			continue
		}
		if err := svc.RegisterAutomation(ctx, a); err != nil {
			logger.Warn("automation registration failed", "automation_id", a.ID, "error", err)
		}
	}
	return nil
}

// buildHTTPServer exposes liveness and Prometheus metrics. The API surface
// proper is mounted by the deployment's edge layer.
func buildHTTPServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Observability.MetricsEnabled {
		mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// deferredChecker delays the session manager's view of the validation broker
// until the broker exists.
type deferredChecker struct {
	broker *validation.Broker
}

func (d *deferredChecker) IsTerminal(ctx context.Context, validationID string) (bool, error) {
	if d.broker == nil {
		return false, nil
	}
	return d.broker.IsTerminal(ctx, validationID)
}

// deferredGate delays the orchestrator's view of the validation broker until
// the broker exists.
type deferredGate struct {
	broker *validation.Broker
}

func (d *deferredGate) Create(ctx context.Context, source, title, agentID, chatID string, payload *models.ValidationPayload) (*models.Validation, error) {
	if d.broker == nil {
		return nil, fmt.Errorf("validation broker not initialized")
	}
	return d.broker.Create(ctx, source, title, agentID, chatID, payload)
}
