package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"skillswap-backend/internal/database"
	"skillswap-backend/internal/domain"
	callHandler "skillswap-backend/internal/handler/http/call"
	pushHandler "skillswap-backend/internal/handler/http/push"
	"skillswap-backend/internal/media/wsroom"
	"skillswap-backend/internal/middleware"
	"skillswap-backend/internal/repository/cassandra"
	"skillswap-backend/internal/repository/cockroach"
	firestoreRepo "skillswap-backend/internal/repository/firestore"
	"skillswap-backend/internal/repository/memory"
	redisRepo "skillswap-backend/internal/repository/redis"
	"skillswap-backend/internal/service/call"
	"skillswap-backend/internal/service/chat"
	"skillswap-backend/internal/service/notification"
	"skillswap-backend/internal/service/presence"
	"skillswap-backend/internal/service/storage"
	"skillswap-backend/pkg/config"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/jwt"
	"skillswap-backend/pkg/logger"
	"skillswap-backend/pkg/metrics"
	"skillswap-backend/pkg/push"
	"skillswap-backend/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Redis with degraded mode support
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Warn("Failed to connect to Redis, starting degraded", zap.Error(err))
	} else {
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 2. Firebase app, shared by Firestore signaling and FCM
	var firebaseApp *firebase.App
	if cfg.Firebase.ProjectID != "" {
		firebaseApp, err = push.NewFirebaseApp(ctx, &push.FCMConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsPath: cfg.Firebase.CredentialsPath,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Firebase", zap.Error(err))
		}
	}

	// 3. Signaling store
	var signaling call.SignalingChannel
	switch cfg.Signaling.Backend {
	case config.SignalingRedis:
		signaling = redisRepo.NewCallSignalRepository(redisDB, cfg.Signaling.RecordTTL)
	case config.SignalingFirestore:
		client, err := firebaseApp.Firestore(ctx)
		if err != nil {
			logger.Fatal("Failed to open Firestore", zap.Error(err))
		}
		defer client.Close()
		signaling = firestoreRepo.NewCallSignalRepository(client, cfg.Signaling.Collection)
	default:
		if cfg.IsProduction() {
			logger.Fatal("In-memory signaling cannot be shared between instances and is not allowed in production")
		}
		signaling = memory.NewSignaling()
	}
	logger.Info("Signaling backend selected", zap.String("backend", cfg.Signaling.Backend))

	// 4. Chat storage
	var messages chat.MessageStore = memory.NewMessageStore()
	cassandraDB, err := connectWithRetry("Cassandra", func() (*database.CassandraDB, error) {
		return database.NewCassandraDB(&database.CassandraConfig{
			Hosts:    cfg.Cassandra.Hosts,
			Keyspace: cfg.Cassandra.Keyspace,
			Username: cfg.Cassandra.Username,
			Password: cfg.Cassandra.Password,
			Timeout:  cfg.Cassandra.Timeout,
		})
	})
	if err != nil {
		logger.Warn("Running without Cassandra, chat messages are kept in memory", zap.Error(err))
	} else {
		defer cassandraDB.Close()
		messages = cassandra.NewMessageRepository(cassandraDB)
	}

	var (
		sessions    chat.SessionStore = memory.NewSessionStore()
		history     callHistory       = memory.NewCallHistory()
		feed        notification.FeedRepository
		dbConnected bool
	)
	db, err := connectWithRetry("CockroachDB", func() (*database.DB, error) {
		return database.NewDB(ctx, cfg.Cockroach.DSN(), database.DefaultDBConfig())
	})
	if err != nil {
		logger.Warn("Running without CockroachDB, call history is kept in memory", zap.Error(err))
	} else {
		defer db.Close()
		dbConnected = true
		sessions = cockroach.NewSessionRepository(db.Pool)
		history = cockroach.NewCallRepository(db.Pool)
		feed = cockroach.NewNotificationRepository(db.Pool)
	}

	var uploader chat.Uploader
	minioClient, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
		Secure: cfg.MinIO.UseSSL,
	})
	if err == nil {
		var storageSvc *storage.Service
		storageSvc, err = storage.NewService(ctx, minioClient, cfg.MinIO.Bucket,
			resilience.NewBreaker(resilience.DefaultConfig("minio")), cfg.Call.MaxUploadSize)
		if err == nil {
			uploader = storageSvc
		}
	}
	if err != nil {
		logger.Warn("Running without MinIO, file messages are disabled", zap.Error(err))
	}

	var chatBus chat.EventBus = memory.NewEventBus()
	if cfg.Signaling.Backend == config.SignalingRedis {
		chatBus = redisRepo.NewChatEventBus(redisDB)
	}
	chatSvc := chat.NewService(messages, chatBus, sessions, uploader, cfg.Call.MaxUploadSize)

	// 5. Presence
	var tracker *presence.Tracker
	if cfg.Signaling.Backend == config.SignalingMemory {
		tracker = presence.NewTracker(memory.NewPresence(nil, 2*cfg.Call.PresenceHeartbeat), nil, nil, cfg.Call.PresenceHeartbeat)
	} else {
		presenceRepo := redisRepo.NewPresenceRepository(redisDB, 2*cfg.Call.PresenceHeartbeat)
		tracker = presence.NewTracker(presenceRepo, presenceRepo, nil, cfg.Call.PresenceHeartbeat)
	}

	// 6. Push notifications
	var apnsConfig *push.APNsConfig
	if cfg.Push.Provider == string(push.ProviderTypeAPNs) {
		apnsConfig = &push.APNsConfig{
			KeyPath:    cfg.Push.APNsKeyPath,
			KeyID:      cfg.Push.APNsKeyID,
			TeamID:     cfg.Push.APNsTeamID,
			BundleID:   cfg.Push.APNsTopic,
			Production: cfg.Push.APNsProduction,
		}
	}
	if cfg.IsProduction() && cfg.Push.Provider == string(push.ProviderTypeMock) {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	pushProvider, err := push.NewProvider(push.ProviderType(cfg.Push.Provider), firebaseApp, apnsConfig)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB)).WithMetrics(appMetrics)
	notifier := notification.NewService(feed, pushSvc, nil)

	// 7. Media and call registry
	tokens := jwt.NewRoomTokenManager(cfg.Room.TokenSecret, cfg.Room.TokenTTL)

	registry := call.NewRegistry(call.ManagerConfig{
		CallType:     domain.CallTypeVideo,
		RingTimeout:  cfg.Call.RingTimeout,
		CleanupGrace: cfg.Call.CleanupGrace,
	}, call.ManagerDeps{
		Signaling: signaling,
		Media: func(string, string) call.MediaSession {
			return wsroom.NewClient(cfg.Room.URL)
		},
		Chat:     chatSvc,
		Presence: tracker,
		Notifier: notifier,
		Tokens:   tokens,
		History:  history,
		OnComplete: func(selfID string, outcome call.Outcome) {
			logger.Info("Call finished",
				zap.String("user_id", selfID),
				zap.String("call_id", outcome.CallID),
				zap.String("status", string(outcome.Status)))
		},
	})
	defer registry.Close()

	// 8. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        cfg.Server.ServiceName,
			"signaling":      cfg.Signaling.Backend,
			"redis_degraded": redisDB.IsDegraded(),
			"cassandra":      cassandraDB != nil,
			"cockroach":      dbConnected,
			"attachments":    uploader != nil,
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	limiter := middleware.NewRateLimiter(redisDB, constants.CallStartRateLimit, time.Minute)

	v1 := router.Group("/v1", middleware.Identity())
	callHandler.NewHandler(ctx, registry, history, cfg.Call.MaxUploadSize).
		WithPresence(tracker).
		RegisterRoutes(v1, limiter.Middleware("call"))
	pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)

	// 9. Serve until signalled
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("Call agent starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down call agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// callHistory is satisfied by both the CockroachDB and in-memory stores
type callHistory interface {
	call.CallHistory
	callHandler.HistoryLister
}

// connectWithRetry retries connect with exponential backoff
func connectWithRetry[T any](name string, connect func() (T, error)) (T, error) {
	const (
		maxRetries = 5
		baseDelay  = 1 * time.Second
		maxDelay   = 30 * time.Second
	)

	conn, err := connect()
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-2)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Connection attempt failed, retrying",
			zap.String("store", name),
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		conn, err = connect()
	}
	if err == nil {
		logger.Info("Connected", zap.String("store", name))
	}
	return conn, err
}
