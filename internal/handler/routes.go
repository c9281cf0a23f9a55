package handler

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/upranked/call-dispatch-service/internal/config"
	"github.com/upranked/call-dispatch-service/internal/dispatch"
	"github.com/upranked/call-dispatch-service/internal/registry"
	"github.com/upranked/call-dispatch-service/internal/repository"
	"github.com/upranked/call-dispatch-service/internal/resilience"
	"github.com/upranked/call-dispatch-service/internal/services/call"
	"github.com/upranked/call-dispatch-service/internal/store"
	"github.com/upranked/call-dispatch-service/pkg/logger"
	"github.com/upranked/call-dispatch-service/pkg/metrics"
	"github.com/upranked/call-dispatch-service/pkg/twilio"
)

// HandlerManager wires the service components and registers all routes.
type HandlerManager struct {
	config      *config.Config
	store       *store.PresenceStore
	repoManager repository.RepositoryManager
	registry    *registry.SessionRegistry
	service     *call.Service
	health      *resilience.HealthMonitor
	breaker     *resilience.Breaker
	limiter     *resilience.RateLimiter
	metrics     *metrics.Metrics
	tokens      *twilio.AccessTokenService
	numbers     *twilio.NumberService
}

// NewHandlerManager creates and wires all components. The durable database
// is optional: without it the service runs on the presence store alone and
// skips call logs, profiles and caller-id resolution from subscriptions.
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	presenceStore, err := store.NewPresenceStore(&store.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Base().Error("failed to connect to presence store", zap.Error(err))
		return nil, err
	}

	repoManager, err := repository.NewRepositoryManager()
	if err != nil {
		logger.Base().Warn("database unavailable, running without durable storage", zap.Error(err))
		repoManager = nil
	}

	var (
		records  repository.CallRecordRepository
		subs     repository.SubscriptionRepository
		profiles repository.AgentProfileRepository
	)
	if repoManager != nil {
		records = repoManager.CallRecords()
		subs = repoManager.Subscriptions()
		profiles = repoManager.AgentProfiles()
	}

	m := metrics.New()
	reg := registry.NewSessionRegistry(cfg.InstanceID, presenceStore, profiles, m)
	engine := dispatch.NewEngine(presenceStore, subs)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "dispatch-store",
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout,
	})
	limiter := resilience.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)

	checks := []resilience.Check{
		{Name: "redis", Fn: presenceStore.Ping},
		{Name: "free_agents", Fn: func(ctx context.Context) error {
			free, err := presenceStore.ListFreeAgents(ctx, "")
			if err == nil {
				m.FreeAgents.Store(int64(len(free)))
			}
			return err
		}},
	}
	if repoManager != nil {
		checks = append(checks, resilience.Check{Name: "database", Fn: repoManager.Ping})
	}
	health := resilience.NewHealthMonitor(checks, cfg.HealthCheckInterval, cfg.MaxConsecutiveFailures)

	service := call.NewService(cfg, presenceStore, engine, reg, records, profiles, health, breaker, m)

	return &HandlerManager{
		config:      cfg,
		store:       presenceStore,
		repoManager: repoManager,
		registry:    reg,
		service:     service,
		health:      health,
		breaker:     breaker,
		limiter:     limiter,
		metrics:     m,
		tokens:      twilio.NewAccessTokenService(cfg.TwilioAccountSID, cfg.TwilioAPIKey, cfg.TwilioAPISecret, cfg.TwilioAppSID),
		numbers:     twilio.NewNumberService(cfg.TwilioAccountSID, cfg.TwilioAuthToken),
	}, nil
}

// StartBackground starts the broadcast subscription, health monitor,
// reconciliation sweep and rate limiter maintenance. All loops stop when ctx
// is cancelled.
func (hm *HandlerManager) StartBackground(ctx context.Context) error {
	if err := hm.registry.Start(ctx); err != nil {
		return err
	}

	go hm.health.Run(ctx)
	go hm.service.RunReconciler(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.limiter.Prune()
			}
		}
	}()

	logger.Base().Info("background tasks started",
		zap.Duration("health_interval", hm.config.HealthCheckInterval),
		zap.Duration("reconcile_interval", hm.config.ReconcileInterval))
	return nil
}

// SetupAllRoutes registers every route with middleware.
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)

	twilioHandler := NewTwilioHandler(hm.service, hm.store, hm.limiter)
	twilioHandler.SetupTwilioRoutes(router)

	wsHandler := NewWebSocketHandler(hm.config, hm.registry, hm.store, hm.agentProfiles(), hm.metrics)
	wsHandler.SetupWebSocketRoutes(router)

	apiLimit := ClientRateLimitMiddleware(10, 20)
	apiRouter := router.NewRoute().Subrouter()
	apiRouter.Use(apiLimit)

	agentHandler := NewAgentHandler(hm.config, hm.store, hm.agentProfiles(), hm.tokens, hm.numbers)
	agentHandler.SetupAgentRoutes(apiRouter)

	adminHandler := NewAdminHandler(hm.config, hm.store, hm.registry, hm.callRecords(), hm.health, hm.breaker)
	adminHandler.SetupAdminRoutes(apiRouter)

	router.HandleFunc("/metrics", hm.metrics.Handler()).Methods("GET")

	logger.Base().Info("all application routes registered")
}

// Shutdown tears down sessions and closes backend connections.
func (hm *HandlerManager) Shutdown(ctx context.Context) {
	hm.registry.CloseAll(ctx)
	if err := hm.store.Close(); err != nil {
		logger.Base().Warn("failed to close presence store", zap.Error(err))
	}
	if hm.repoManager != nil {
		if err := hm.repoManager.Close(); err != nil {
			logger.Base().Warn("failed to close database", zap.Error(err))
		}
	}
}

func (hm *HandlerManager) agentProfiles() repository.AgentProfileRepository {
	if hm.repoManager == nil {
		return nil
	}
	return hm.repoManager.AgentProfiles()
}

func (hm *HandlerManager) callRecords() repository.CallRecordRepository {
	if hm.repoManager == nil {
		return nil
	}
	return hm.repoManager.CallRecords()
}
