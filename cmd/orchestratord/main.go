// Command orchestratord wires the checkpoint store, event bus, lock
// manager, agent slots, supervisor, intent classifier, graph engine,
// template engine, and HITL controller into the HTTP/SSE API surface and
// serves it, following the config-dir-plus-.env startup shape of
// codeready-toolchain-tarsy's cmd/tarsy/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/devflow/orchestrator/internal/agent"
	"github.com/devflow/orchestrator/internal/api"
	"github.com/devflow/orchestrator/internal/config"
	"github.com/devflow/orchestrator/internal/engine"
	"github.com/devflow/orchestrator/internal/eventbus"
	"github.com/devflow/orchestrator/internal/hitl"
	"github.com/devflow/orchestrator/internal/intent"
	"github.com/devflow/orchestrator/internal/issuetracker"
	"github.com/devflow/orchestrator/internal/locks"
	"github.com/devflow/orchestrator/internal/metrics"
	"github.com/devflow/orchestrator/internal/model"
	"github.com/devflow/orchestrator/internal/model/anthropic"
	"github.com/devflow/orchestrator/internal/model/google"
	"github.com/devflow/orchestrator/internal/model/openai"
	"github.com/devflow/orchestrator/internal/orchestrator"
	"github.com/devflow/orchestrator/internal/session"
	"github.com/devflow/orchestrator/internal/store"
	"github.com/devflow/orchestrator/internal/supervisor"
	"github.com/devflow/orchestrator/internal/template"
	"github.com/devflow/orchestrator/internal/toolbind"
	"github.com/devflow/orchestrator/internal/toolgateway"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	templatesDir := flag.String("templates-dir", getEnv("TEMPLATES_DIR", "./deploy/templates"), "path to workflow template YAML files")
	addr := flag.String("addr", getEnv("ADDR", ":8080"), "HTTP listen address")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	cfgPath := filepath.Join(*configDir, "config.yaml")
	cfg, err := config.Load(cfgPath, envPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Server.Addr != "" {
		*addr = cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore := mustStore(ctx, cfg)
	defer closeStore()

	locker := mustLocks(ctx, cfg)

	localBus := eventbus.NewInProcessBus()
	if os.Getenv("OTEL_TRACING_ENABLED") != "" {
		tp := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		localBus.SubscribeAll(eventbus.NewOTelHandler(tp.Tracer("orchestratord")))
	}

	metricsRegistry := prometheus.NewRegistry()
	workflowMetrics := metrics.New(metricsRegistry)
	localBus.SubscribeAll(metrics.NewHandler(workflowMetrics))

	bus := mustBus(cfg, localBus)

	sessions := session.NewStore(20)

	chat := mustChatModel()
	gw := toolgateway.New(getEnv("TOOL_GATEWAY_URL", "http://localhost:9090"), cfg.ToolTimeout())
	binder := toolbind.NewBinder(gw, nil, 3000)
	strategy := toolbind.Strategy(cfg.ToolBinderStrategy)

	registry := agent.DefaultRegistry(cfg.ModelPerAgent, strategy)
	specialists := map[string]*agent.Slot{}
	for name, spec := range registry {
		specialists[name] = agent.NewSlot(spec, chat, binder, gw, cfg.MaxToolIterations)
	}

	supervisorSpec := agent.Spec{
		Name:           agent.KindSupervisor,
		SystemPrompt:   "You are the supervisor of a multi-agent development workflow. Reply with NEXT_AGENT, REQUIRES_APPROVAL and REASONING lines.",
		ModelID:        cfg.ModelFor(agent.KindSupervisor, ""),
		BinderStrategy: toolbind.StrategyMinimal,
	}
	sup := supervisor.New(agent.NewSlot(supervisorSpec, chat, binder, gw, cfg.MaxToolIterations))

	classifier := intent.New()

	var tracker hitl.Tracker
	if t := mustIssueTracker(cfg); t != nil {
		tracker = t
	}
	approvals := hitl.New(tracker, hitl.DefaultRiskRules(), nil)

	graphEngine := engine.New(st, bus, classifier, sup, specialists, locker, approvals, engine.Config{
		LLMTimeout:          cfg.LLMTimeout(),
		LockDefaultTTL:      cfg.LockDefaultTTL(),
		LockWaitTimeout:     5 * time.Second,
		EnableIntentRouting: cfg.IntentRoutingEnabled(),
	})

	templateRegistry := loadTemplateRegistry(*templatesDir)
	templateEngine := template.New(st, bus, specialists, nil, approvals, locker, template.Config{
		LockDefaultTTL: cfg.LockDefaultTTL(),
	})

	health := map[string]api.HealthCheck{
		"store": func(ctx context.Context) error {
			_, _, err := st.LoadLatest(ctx, "health-check")
			if err != nil && err != orchestrator.ErrNotFound {
				return err
			}
			return nil
		},
	}

	server := api.New(st, bus, classifier, graphEngine, templateEngine, templateRegistry, approvals, sessions, health)

	gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", server.Router())
	httpServer := &http.Server{
		Addr:    *addr,
		Handler: mux,
	}

	go func() {
		log.Printf("orchestratord listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func mustStore(ctx context.Context, cfg *config.Config) (store.Store, func()) {
	switch cfg.Store.Driver {
	case "postgres":
		if err := store.MigratePostgres(cfg.Store.DSN); err != nil {
			log.Fatalf("migrate postgres: %v", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		return store.NewPostgresStore(pool), pool.Close
	case "mysql":
		s, err := store.NewMySQLStore(cfg.Store.DSN)
		if err != nil {
			log.Fatalf("connect mysql: %v", err)
		}
		return s, func() {}
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.DSN)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		return s, func() {}
	default:
		return store.NewMemStore(), func() {}
	}
}

func mustLocks(ctx context.Context, cfg *config.Config) *locks.Manager {
	if cfg.Locks.DSN == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, cfg.Locks.DSN)
	if err != nil {
		log.Fatalf("connect lock manager pool: %v", err)
	}
	return locks.NewManager(pool, cfg.LockDefaultTTL(), time.Minute)
}

// mustBus wires local into a RedisRelay when cfg.Redis.Addr is set, so every
// event this process publishes is also mirrored to Redis; otherwise it
// returns local unwrapped. Forwarding Redis events back into the local bus
// takes a per-workflow RedisRelay.Relay call, which orchestratord does not
// make, so each process's subscribers see only the events it published.
func mustBus(cfg *config.Config, local *eventbus.InProcessBus) eventbus.Bus {
	if cfg.Redis.Addr == "" {
		return local
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	return eventbus.NewRedisRelay(rdb, local)
}

func mustChatModel() model.ChatModel {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return anthropic.NewChatModel(key, getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"))
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return openai.NewChatModel(key, getEnv("OPENAI_MODEL", "gpt-4o"))
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return google.NewChatModel(key, getEnv("GOOGLE_MODEL", "gemini-1.5-pro"))
	}
	log.Fatal("no LLM provider API key set (ANTHROPIC_API_KEY, OPENAI_API_KEY, or GOOGLE_API_KEY)")
	return nil
}

func mustIssueTracker(cfg *config.Config) *issuetracker.Client {
	if cfg.IssueTracker.BaseURL == "" {
		return nil
	}
	return issuetracker.New(cfg.IssueTracker.BaseURL, cfg.IssueTracker.APIKey, 10*time.Second)
}

// templateRegistry is an in-memory TemplateRegistry populated at startup
// from every regular file in a directory (files that do not parse as a
// template are logged and skipped), mirroring how internal/store's
// migrate.go embeds and loads a fixed set of files up front.
type templateRegistry struct {
	byName map[string]orchestrator.WorkflowTemplate
}

func (r *templateRegistry) Get(name string) (orchestrator.WorkflowTemplate, bool) {
	t, ok := r.byName[name]
	return t, ok
}

func loadTemplateRegistry(dir string) *templateRegistry {
	reg := &templateRegistry{byName: map[string]orchestrator.WorkflowTemplate{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("no workflow templates loaded from %s: %v", dir, err)
		return reg
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("skipping template %s: %v", path, err)
			continue
		}
		tmpl, err := template.Load(data)
		if err != nil {
			log.Printf("skipping invalid template %s: %v", path, err)
			continue
		}
		reg.byName[tmpl.Name] = tmpl
	}
	return reg
}
