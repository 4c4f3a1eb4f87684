package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/handler/ws"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/pkg/config"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/env"
	"skillswap-backend/pkg/jwt"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	serviceName := env.GetString("SERVICE_NAME", "room-service")
	port := env.GetInt("ROOM_PORT", 8090)

	logger.InitDefault(serviceName)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis fans room events out across instances; without it each
	// instance serves its own rooms only
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Warn("Failed to connect to Redis, rooms stay local", zap.Error(err))
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	appMetrics := metrics.NewMetrics(serviceName)
	hub := ws.NewRoomHub(redisDB, appMetrics)
	defer hub.Close()
	tokens := jwt.NewRoomTokenManager(cfg.Room.TokenSecret, cfg.Room.TokenTTL)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck(serviceName))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))
	router.GET("/ws/room/:room", middleware.RoomAuth(tokens), hub.ServeWS)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	go func() {
		logger.Info("Room service starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down room service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
