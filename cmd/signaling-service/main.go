package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	callHandler "securecall-backend/internal/handler/http/call"
	pushHandler "securecall-backend/internal/handler/http/push"
	"securecall-backend/internal/middleware"
	"securecall-backend/internal/notify"
	"securecall-backend/internal/reaper"
	"securecall-backend/internal/repository/cassandra"
	"securecall-backend/internal/repository/cockroach"
	redisRepo "securecall-backend/internal/repository/redis"
	callService "securecall-backend/internal/service/call"
	"securecall-backend/pkg/config"
	"securecall-backend/pkg/database"
	"securecall-backend/pkg/jwt"
	"securecall-backend/pkg/logger"
	"securecall-backend/pkg/metrics"
	"securecall-backend/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// CockroachDB is the call store; the service cannot run without it.
	db := connectCockroach(ctx, cfg)
	defer db.Close()
	callRepo := cockroach.NewCallRepository(db.Pool)

	// Redis carries event fan-out and push tokens. Degraded mode without it:
	// transitions still commit, clients just poll instead of being pushed.
	var notifier notify.Notifier = notify.Nop{}
	var pushSvc *push.Service
	redisDB, err := database.NewRedisDB(ctx, &cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, running without event fan-out", zap.Error(err))
	} else {
		defer redisDB.Close()
		notifier = notify.NewRedisNotifier(redisDB.Client)
		pushSvc = push.NewService(pushProvider(cfg), redisRepo.NewPushTokenRepository(redisDB.Client))
		logger.Info("Connected to Redis")
	}

	// Cassandra records call-event system messages. Also optional.
	var eventStore callService.EventStore
	cass, err := database.NewCassandra(&cfg.Cassandra)
	if err != nil {
		logger.Warn("Cassandra unavailable, call events will not be recorded", zap.Error(err))
	} else {
		defer cass.Close()
		eventStore = cassandra.NewCallEventRepository(cass.Session)
		logger.Info("Connected to Cassandra")
	}

	m := metrics.NewMetrics(cfg.Server.ServiceName)

	service := callService.NewService(callRepo, eventStore, notifier, pushSvc, callService.Config{
		RelaySecret:  []byte(cfg.Relay.HMACSecret),
		RelayHost:    cfg.Relay.PublicHost,
		RelayPort:    cfg.Relay.BindPort,
		TokenTTL:     cfg.Relay.TokenTTL,
		RejoinWindow: cfg.Call.RejoinWindow,
		Disabled:     cfg.Call.Disabled,
	})

	callReaper := reaper.New(callRepo, notifier, m, cfg.Call)
	go callReaper.Run(ctx)

	router := buildRouter(cfg, service, pushSvc, m)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Signaling service listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down signaling service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// connectCockroach dials the call store with exponential backoff. The
// signaling service is useless without it, so exhausted retries are fatal.
func connectCockroach(ctx context.Context, cfg *config.Config) *database.CockroachDB {
	const maxRetries = 5
	baseDelay := time.Second
	maxDelay := 30 * time.Second

	var db *database.CockroachDB
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err = database.NewCockroachDB(ctx, &cfg.Database)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			logger.Fatal("Shutdown requested during database connect")
		case <-time.After(delay):
		}
	}

	logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	return nil
}

func pushProvider(cfg *config.Config) push.Provider {
	switch cfg.Push.Provider {
	case "firebase":
		provider, err := push.NewFCMProvider(&push.FCMConfig{ProjectID: cfg.Push.FirebaseProjectID})
		if err != nil {
			logger.Warn("FCM provider unavailable, falling back to mock", zap.Error(err))
			return &push.MockProvider{}
		}
		return provider
	case "apns":
		provider, err := push.NewAPNsProvider(&push.APNsConfig{
			KeyPath:    cfg.Push.APNsKeyFile,
			KeyID:      cfg.Push.APNsKeyID,
			TeamID:     cfg.Push.APNsTeamID,
			Topic:      cfg.Push.APNsTopic,
			Production: cfg.Server.Environment == "production",
		})
		if err != nil {
			logger.Warn("APNs provider unavailable, falling back to mock", zap.Error(err))
			return &push.MockProvider{}
		}
		return provider
	default:
		return &push.MockProvider{}
	}
}

func buildRouter(cfg *config.Config, service *callService.Service, pushSvc *push.Service, m *metrics.Metrics) *gin.Engine {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(m).Handler())

	router.GET("/metrics", middleware.MetricsHandler())

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))

	callHandler.NewHandler(service, m).RegisterRoutes(v1)
	if pushSvc != nil {
		pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
	}

	return router
}
