// Command fabricd runs one instance of the clustered real-time messaging
// fabric. Wiring follows the teacher's cmd/v1/session/main.go: godotenv
// load, gin router with CORS, a WebSocket route, /metrics and /health,
// and a signal-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clusterwire/fabric/internal/authadapter"
	"github.com/clusterwire/fabric/internal/broker"
	"github.com/clusterwire/fabric/internal/config"
	"github.com/clusterwire/fabric/internal/logging"
	"github.com/clusterwire/fabric/internal/ratelimit"
	"github.com/clusterwire/fabric/internal/scheduler"
	"github.com/clusterwire/fabric/internal/server"
	"github.com/clusterwire/fabric/internal/statestore"
)

func main() {
	for _, path := range []string{".env", "../../.env", "../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logging.Initialize(cfg.Development); err != nil {
		panic(err)
	}
	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logging.Fatal(ctx, "invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
	}

	store := buildStateStore(cfg, redisClient)
	brk := buildBroker(cfg, redisClient)
	sched := buildScheduler(cfg, redisClient)

	var auth authadapter.AuthAdapter
	if os.Getenv("AUTH_ISSUER") != "" && os.Getenv("AUTH_AUDIENCE") != "" {
		jwksAdapter, err := authadapter.NewJWKSAdapter(ctx, os.Getenv("AUTH_ISSUER"), os.Getenv("AUTH_AUDIENCE"))
		if err != nil {
			logging.Fatal(ctx, "failed to initialize auth adapter", zap.Error(err))
		}
		auth = jwksAdapter
		logging.Info(ctx, "JWKS auth adapter initialized", zap.String("issuer", os.Getenv("AUTH_ISSUER")))
	} else {
		logging.Warn(ctx, "AUTH_ISSUER/AUTH_AUDIENCE not set, using DevAdapter (do not use in production)")
		auth = authadapter.DevAdapter{}
	}

	limiter, err := ratelimit.New(redisClient, cfg.MaxMsgsPerSecond)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}

	srv := server.New(server.Options{
		BasePath:            cfg.BasePath,
		DefaultNamespace:    cfg.DefaultNamespaceName,
		InstanceID:          cfg.InstanceID,
		AllowedOrigins:      cfg.AllowedOrigins,
		PingInterval:        cfg.PingInterval,
		PongTimeout:         cfg.PongTimeout,
		CheckDelayPerClient: cfg.CheckDelayPerClient,
		MaxMsgsPerSecond:    cfg.MaxMsgsPerSecond,
		MaxPayloadBytes:     cfg.MaxPayloadBytes,
		BatchInterval:       cfg.BatchInterval,
		RoomIdleTTL:         cfg.RoomIdleTTL,
	}, store, brk, sched, auth, limiter)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())

	router.GET(cfg.BasePath+"/*namespace", srv.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "instance_id": cfg.InstanceID})
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "fabric instance starting", zap.String("listen_addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "failed to run server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down fabric instance")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "fabric shutdown reported an error", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "http server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "fabric instance exited")
}

func buildStateStore(cfg *config.Config, redisClient *redis.Client) statestore.StateStore {
	if cfg.StateBackend == config.BackendRedis {
		return statestore.NewRedis(redisClient)
	}
	return statestore.NewMemory()
}

func buildBroker(cfg *config.Config, redisClient *redis.Client) broker.Broker {
	if cfg.BrokerBackend == config.BackendRedis {
		return broker.NewRedis(redisClient)
	}
	return broker.NewMemory()
}

func buildScheduler(cfg *config.Config, redisClient *redis.Client) scheduler.Scheduler {
	if cfg.SchedulerBackend == config.BackendRedis {
		return scheduler.NewRedis(redisClient, cfg.InstanceID)
	}
	return scheduler.NewMemory()
}
