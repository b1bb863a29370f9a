package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/conversation-router/internal/agent"
	"github.com/capitalize-ai/conversation-router/internal/channel"
	"github.com/capitalize-ai/conversation-router/internal/config"
	"github.com/capitalize-ai/conversation-router/internal/escalation"
	"github.com/capitalize-ai/conversation-router/internal/handler"
	natsclient "github.com/capitalize-ai/conversation-router/internal/nats"
	"github.com/capitalize-ai/conversation-router/internal/notify"
	"github.com/capitalize-ai/conversation-router/internal/policy"
	"github.com/capitalize-ai/conversation-router/internal/presence"
	"github.com/capitalize-ai/conversation-router/internal/router"
	"github.com/capitalize-ai/conversation-router/internal/store"
	"github.com/capitalize-ai/conversation-router/internal/store/memory"
	"github.com/capitalize-ai/conversation-router/internal/store/postgres"
	"github.com/capitalize-ai/conversation-router/pkg/tracing"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, agent dispatcher and abandonment sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// pingFunc adapts a health check function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// events is what the router publishes to and the live feed reads from.
type events interface {
	notify.Notifier
	notify.Subscriber
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting conversation router")

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-router", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	deps := map[string]handler.Pinger{}

	// Store
	var st store.Store
	if cfg.DatabaseURL != "" {
		if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
			return err
		}
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = memory.New()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer st.Close()
	deps["store"] = st

	// Presence and ingestion de-dup
	var (
		reg   presence.Registry
		dedup router.Deduper
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		reg = presence.NewRedisRegistry(rdb)
		dedup = router.NewRedisDeduper(rdb, cfg.DedupTTL)
		deps["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info("using redis presence registry")
	} else {
		reg = presence.NewMemoryRegistry(nil)
		dedup = router.NewMemoryDeduper(cfg.DedupTTL)
		log.Warn("REDIS_URL not set, presence is local to this process")
	}

	// Events
	var bus events
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "conversation-router",
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		es := natsclient.NewEventStream(nc, log)
		if err := es.EnsureStream(ctx); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		bus = es
		deps["nats"] = nc
	} else {
		bus = notify.NewBus(64)
		log.Warn("NATS_URL not set, events are delivered in process only")
	}
	notifier := notify.Multi{bus, notify.NewLogNotifier(log)}

	// Channels
	bindings, err := channel.LoadBindings(cfg.ChannelBindingsFile)
	if err != nil {
		return err
	}
	if bindings.Len() == 0 {
		log.Warn("no channel bindings configured, webhooks will return 404", zap.String("file", cfg.ChannelBindingsFile))
	}

	// Automated agent
	runtime, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	dispatcher := agent.NewDispatcher(runtime, agent.DispatcherConfig{
		Workers:     cfg.DispatcherWorkers,
		QueueSize:   cfg.DispatcherQueueSize,
		TurnTimeout: cfg.AgentTurnTimeout,
		MaxRetries:  cfg.DispatcherMaxRetries,
	}, log.Named("dispatcher"))

	// Routing
	pol := policy.New(policyConfig(cfg))
	workflow := escalation.NewWorkflow(st, reg, notifier, log)
	rt := router.New(st, pol, workflow, notifier, dedup, dispatcher, router.Config{
		AutoAssign:   cfg.AutoAssign,
		HistoryLimit: cfg.HistoryLimit,
	}, log)
	dispatcher.SetHandler(rt)

	sweeper, err := router.NewSweeper(rt, router.SweepConfig{
		Schedule:          cfg.SweepSchedule,
		IdleTimeout:       cfg.IdleTimeout,
		EscalationTimeout: cfg.EscalationTimeout,
	}, log.Named("sweeper"))
	if err != nil {
		return err
	}

	// HTTP
	httpHandler := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		WebhookRateLimit:  cfg.WebhookRateLimit,
		WebhookRateWindow: cfg.WebhookRateWindow,
	}, handler.Handlers{
		Health:        handler.NewHealthHandler(deps),
		Webhooks:      handler.NewWebhookHandler(channel.DefaultRegistry(), bindings, rt, log),
		Conversations: handler.NewConversationHandler(st, rt, log),
		Escalations:   handler.NewEscalationHandler(st, workflow, log),
		Presence:      handler.NewPresenceHandler(reg, log),
		Feed:          handler.NewFeedHandler(bus, 30*time.Second, log),
	}, log)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      httpHandler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func newRuntime(cfg *config.Config) (agent.Runtime, error) {
	provider := agent.Provider(cfg.DefaultLLM)
	key := cfg.AnthropicAPIKey
	if provider == agent.ProviderOpenAI {
		key = cfg.OpenAIAPIKey
	}
	client, err := agent.NewClient(provider, key)
	if err != nil {
		return nil, fmt.Errorf("automated agent: %w", err)
	}
	return agent.NewLLMRuntime(client, agent.LLMConfig{
		Model:        cfg.LLMModel,
		MaxTokens:    cfg.LLMMaxTokens,
		Temperature:  cfg.LLMTemperature,
		Greeting:     cfg.AgentGreeting,
		HistoryLimit: cfg.HistoryLimit,
	}), nil
}

func policyConfig(cfg *config.Config) policy.Config {
	pc := policy.DefaultConfig()
	pc.SentimentThreshold = cfg.SentimentThreshold
	pc.MaxTurns = cfg.MaxTurns
	pc.RepeatedFailureCount = cfg.RepeatedFailureCount
	if len(cfg.EscalationPhrases) > 0 {
		pc.ExplicitPhrases = cfg.EscalationPhrases
	}
	return pc
}
