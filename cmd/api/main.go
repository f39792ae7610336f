package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callrelay/internal/archive"
	"callrelay/internal/auth"
	"callrelay/internal/callflow"
	"callrelay/internal/config"
	"callrelay/internal/dispatch"
	"callrelay/internal/eventcache"
	"callrelay/internal/ingest"
	"callrelay/internal/metrics"
	"callrelay/internal/notify"
	"callrelay/internal/scheduler"
	"callrelay/internal/stage"
	"callrelay/internal/tenant"
	"callrelay/pkg/logger"
	"callrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Stores: redis-backed when configured, in-process otherwise.
	var cacheStore eventcache.Store = eventcache.NewMemoryStore()
	var notifyStore notify.Store = notify.NewMemoryStore()
	var limiter ingest.RateLimiter
	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: addr})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		cacheStore = eventcache.NewRedisStore(rdb)
		notifyStore = notify.NewRedisStore(rdb, cfg.Engine.ActiveCallTTL)
		rl, err := utils.NewRateLimiter(rdb, "callrelay:ratelimit:", 200, time.Second)
		if err != nil {
			log.Error("rate limiter init failed", "err", err)
			os.Exit(1)
		}
		limiter = rl
	}

	// Archive: enabled when Postgres is configured.
	var archiveSvc *archive.Service
	if cfg.DB.Host != "" {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		archiveSvc = archive.NewService(archive.NewPostgresRepo(db))

		// Retention cleanup; the archive keeps events as long as the cache
		// keeps a finished call.
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					n, err := archiveSvc.Prune(rootCtx, cfg.Engine.FinishedCallTTL)
					if err != nil {
						log.Warn("archive prune failed", "err", err)
					} else if n > 0 {
						log.Info("archive pruned", "removed", n)
					}
				}
			}
		}()
	}

	cache := eventcache.New(cacheStore, eventcache.Options{
		Thresholds: callflow.Thresholds{
			FollowMeEventThreshold:  cfg.Engine.FollowMeEventThreshold,
			MultipleTransferBridges: cfg.Engine.MultipleTransferBridges,
			ComplexTransferCreates:  cfg.Engine.ComplexTransferCreates,
			BusyStartWindow:         cfg.Engine.BusyStartWindow,
			EarlyBridgeWindow:       cfg.Engine.EarlyBridgeWindow,
		},
		ActiveTTL:   cfg.Engine.ActiveCallTTL,
		FinishedTTL: cfg.Engine.FinishedCallTTL,
		Logger:      log,
		Observer:    m,
	})

	sched := scheduler.New(cache, scheduler.Options{
		DebounceDelay: cfg.Engine.DebounceDelay,
		BatchInterval: cfg.Engine.BatchInterval,
		BatchSize:     cfg.Engine.BatchSize,
		StateTTL:      cfg.Engine.ActiveCallTTL,
		Logger:        log,
		Observer:      m,
	})
	sched.Start()
	defer sched.Stop()

	// Tenant registry.
	var tenants tenant.Resolver = tenant.NewMemoryResolver()
	if cfg.TenantsFile != "" {
		loaded, err := tenant.LoadFile(cfg.TenantsFile)
		if err != nil {
			log.Error("tenant registry load failed", "err", err)
			os.Exit(1)
		}
		tenants = loaded
	} else {
		log.Warn("no tenant registry configured, notifications disabled")
	}

	// CRM dispatch: AMQP when configured, webhook otherwise.
	var sink dispatch.Sink
	switch {
	case cfg.AMQP.URL != "":
		amqpSink, err := dispatch.NewAMQPSink(rootCtx, cfg.AMQP.Exchange, dispatch.DialOptions{
			URL:    cfg.AMQP.URL,
			Logger: log,
		})
		if err != nil {
			log.Error("amqp init failed", "err", err)
			os.Exit(1)
		}
		defer amqpSink.Close()
		sink = amqpSink
	case cfg.Dispatch.CRMWebhookURL != "":
		sink = dispatch.NewHTTPSink(cfg.Dispatch.CRMWebhookURL, cfg.Dispatch.Timeout)
	}

	var pool *dispatch.Pool
	if sink != nil {
		pool = dispatch.NewPool(sink, dispatch.PoolOptions{
			Timeout:   cfg.Dispatch.Timeout,
			Logger:    log,
			OnFailure: m.DispatchFailed,
		})
		defer pool.Stop()
	} else {
		log.Warn("no CRM sink configured, raw-event forwarding disabled")
	}

	var messenger stage.Messenger
	if cfg.Messaging.BaseURL != "" {
		messenger = stage.NewHTTPMessenger(cfg.Messaging.BaseURL, cfg.Messaging.Timeout)
	} else {
		messenger = &stage.NopMessenger{Log: log}
	}

	handlers := stage.NewHandlers(stage.Options{
		Cache:     cache,
		Scheduler: sched,
		Tracker:   notify.NewTracker(notifyStore, cfg.Engine.BridgeDedupWindow, log),
		Tenants:   tenants,
		Messenger: messenger,
		CRM:       pool,
		Archive:   archiveSvc,
		Logger:    log,
		Observer:  m,
	})

	api := ingest.Handlers{
		Stage:     handlers,
		Cache:     cache,
		Scheduler: sched,
		Archive:   archiveSvc,
		Limiter:   limiter,
		Observer:  m,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, api, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
