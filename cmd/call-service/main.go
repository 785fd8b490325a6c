package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "chatcall-backend/internal/database"
	callHandler "chatcall-backend/internal/handler/http/call"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/notify"
	"chatcall-backend/internal/repository/cassandra"
	"chatcall-backend/internal/repository/cockroach"
	"chatcall-backend/internal/repository/memory"
	redisRepo "chatcall-backend/internal/repository/redis"
	callService "chatcall-backend/internal/service/call"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/constants"
	pkgDatabase "chatcall-backend/pkg/database"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		FilePath:    cfg.Log.FilePath,
		ServiceName: cfg.Server.ServiceName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 1. CockroachDB, falling back to the in-memory store outside production
	var (
		calls    callService.CallStore
		blocks   callService.BlockChecker
		chats    callService.ChatDirectory
		dbHealth func(context.Context) error
	)

	db, err := connectCockroach(ctx, cfg)
	if err != nil {
		if cfg.IsProduction() {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		logger.Warn("Running in limited mode with the in-memory call store", zap.Error(err))
		contacts := memory.NewContactRepository()
		calls, blocks, chats = memory.NewCallRepository(), contacts, contacts
	} else {
		defer db.Close()
		calls = cockroach.NewCallRepository(db.Pool)
		blocks = cockroach.NewBlockedUserRepository(db.Pool)
		chats = cockroach.NewConversationRepository(db.Pool)
		dbHealth = db.Ping
	}

	// 2. Redis with degraded mode support
	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	defer redisDB.Close()
	if err := redisDB.RegisterMetrics(appMetrics.GetRegistry()); err != nil {
		logger.Warn("Failed to register redis metrics", zap.Error(err))
	}
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable, starting in degraded mode", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	if dbHealth != nil {
		chats = redisRepo.NewMemberCache(redisDB, chats, redisRepo.DefaultMemberTTL)
	}

	// 3. Notification sinks
	sinks, timeline, closeSinks := buildSinks(cfg, redisDB)
	defer closeSinks()

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:   cfg.Calls.NotifyWorkers,
		QueueSize: cfg.Calls.NotifyQueueSize,
		Timeout:   cfg.Calls.NotifyTimeout,
		Metrics:   appMetrics,
	}, sinks...)

	// 4. Call manager and reaper
	manager := callService.NewManager(calls, blocks, chats,
		callService.WithNotifier(dispatcher),
		callService.WithRecorder(appMetrics),
		callService.WithStoreTimeout(cfg.Calls.StoreTimeout),
	)

	if cfg.Calls.ReaperEnabled {
		reaper := callService.NewReaper(manager, cfg.Calls.StaleThreshold, cfg.Calls.ReapInterval)
		reaper.Start(ctx)
	} else {
		logger.Info("In-process reaper disabled, expecting call-reaper to be scheduled")
	}

	// 5. HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)
	authMiddleware := middleware.AuthMiddleware(jwtManager, revocationChecker)
	initiateLimiter := middleware.NewRateLimiter(redisDB, "call-initiate", cfg.Calls.InitiateLimit, cfg.Calls.InitiateWindow)

	hdlr := callHandler.NewHandler(manager, cfg.Calls.StaleThreshold)
	if timeline != nil {
		hdlr.WithTimeline(timeline)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		}
		if dbHealth == nil {
			body["store"] = "memory"
		} else if err := dbHealth(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
		c.JSON(status, body)
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	callsGroup := router.Group("/v1/calls", middleware.Timeout(cfg.Server.RequestTimeout), authMiddleware)
	adminGroup := router.Group("/v1/admin/calls",
		middleware.Timeout(cfg.Server.RequestTimeout),
		authMiddleware,
		middleware.RequireAdmin(),
		callHandler.AdminRoute(),
	)
	hdlr.RegisterRoutes(callsGroup, adminGroup, initiateLimiter.Middleware())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("notify_drivers", cfg.Calls.NotifyDrivers),
			zap.Duration("stale_threshold", cfg.Calls.StaleThreshold))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("Undelivered call events at shutdown", zap.Error(err))
	}

	logger.Info("Call service exited")
}

// connectCockroach retries with exponential backoff before giving up
func connectCockroach(ctx context.Context, cfg *config.Config) (*pkgDatabase.CockroachDB, error) {
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *pkgDatabase.CockroachDB
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("cockroachdb unreachable after %d attempts: %w", maxRetries, err)
}

// buildSinks turns NOTIFY_DRIVERS into sinks. A driver that cannot start is
// skipped with a warning; the log sink is used when nothing else is left.
func buildSinks(cfg *config.Config, redisDB *intDatabase.RedisClient) ([]notify.Sink, callHandler.TimelineReader, func()) {
	var (
		sinks    []notify.Sink
		timeline callHandler.TimelineReader
		closers  []func()
	)

	for _, driver := range cfg.Calls.NotifyDrivers {
		switch driver {
		case "redis":
			sinks = append(sinks, notify.NewRedisSink(redisDB))
		case "amqp":
			amqpSink, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
			if err != nil {
				logger.Warn("AMQP notify driver disabled", zap.Error(err))
				continue
			}
			sinks = append(sinks, amqpSink)
			closers = append(closers, func() { _ = amqpSink.Close() })
		case "cassandra":
			cassDB, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
				Hosts:    cfg.Cassandra.Hosts,
				Keyspace: cfg.Cassandra.Keyspace,
				Username: cfg.Cassandra.Username,
				Password: cfg.Cassandra.Password,
				Timeout:  cfg.Cassandra.Timeout,
			})
			if err != nil {
				logger.Warn("Cassandra timeline disabled", zap.Error(err))
				continue
			}
			repo := cassandra.NewCallEventRepository(cassDB.Session)
			sinks = append(sinks, repo)
			timeline = repo
			closers = append(closers, cassDB.Close)
		case "log":
			sinks = append(sinks, notify.NewLogSink(logger.Log))
		}
	}

	if len(sinks) == 0 {
		sinks = append(sinks, notify.NewLogSink(logger.Log))
	}

	return sinks, timeline, func() {
		for _, c := range closers {
			c()
		}
	}
}
