package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/auth"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/config"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/grpcserver"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/handler"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/hub"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/kafka"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/media"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/presence"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/registry"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository/cassandra"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/service"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/voice"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/database"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket, REST and gRPC health servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "watchparty-service",
		InstanceID:  cfg.InstanceID,
	})
	return cfg
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	logger := pkglog.L()

	// Redis backs presence, the access cache and (by default) the fanout bus.
	var rdb *redis.Client
	if cfg.Presence.Driver != "memory" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	}

	presenceCache, err := presence.New(cfg.Presence.Driver, rdb, presence.Config{
		KeyPrefix: cfg.Presence.KeyPrefix,
		TTL:       cfg.Presence.TTL,
	})
	if err != nil {
		return err
	}
	defer presenceCache.Close()

	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		return fmt.Errorf("failed to create fanout bus: %w", err)
	}
	defer bus.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("fanout bus ready")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db, domain.Models()...); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	roomRepo := repository.NewGormRoomRepository(db)
	var access repository.Authorizer = roomRepo
	if rdb != nil && cfg.Redis.AccessCacheTTL > 0 {
		access = repository.NewCachedAuthorizer(roomRepo, rdb, cfg.Presence.KeyPrefix, cfg.Redis.AccessCacheTTL)
	}

	chatRepo, closeChat := newChatRepository(ctx, cfg, db)
	defer closeChat()

	store, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	resolver := media.NewResolver(repository.NewGormVideoRepository(db), store, cfg.Media.URLExpiry)

	var activity kafka.ActivityProducer = kafka.NopProducer{}
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewConfluentProducer(cfg.Kafka)
		if err != nil {
			logger.Warn().Err(err).Msg("activity producer unavailable, activity events disabled")
		} else {
			activity = producer
			logger.Info().Str("topic", cfg.Kafka.Topic).Msg("activity producer ready")
		}
	}
	defer activity.Close()

	jwtManager, err := jwt.NewManager(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create jwt manager: %w", err)
	}

	h := hub.NewHub()
	svc := service.NewWatchService(service.Dependencies{
		Hub:      h,
		Registry: registry.New(),
		Voice:    voice.NewManager(cfg.Voice.MaxParticipants, cfg.Voice.AudioLevelInterval),
		Presence: presenceCache,
		PubSub:   bus,
		Rooms:    roomRepo,
		Access:   access,
		Chat:     chatRepo,
		Playlist: repository.NewGormPlaylistRepository(db),
		Videos:   resolver,
		Activity: activity,
	}, service.Options{
		InstanceID:        cfg.InstanceID,
		MaxChatLength:     cfg.Chat.MaxMessageLength,
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		ICEServers:        cfg.WebRTC.GetICEServers(),
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	grpcSrv := grpcserver.New(logger)
	if err := grpcSrv.Start(grpcAddr); err != nil {
		return err
	}
	defer grpcSrv.Shutdown()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger, "/health"))

	wsHandler := handler.NewWSHandler(svc, auth.NewJWTAuthenticator(jwtManager), cfg.WebSocket)
	httpHandler := handler.NewHTTPHandler(svc, h, cfg.InstanceID, version)
	httpHandler.RegisterRoutes(r, wsHandler, middleware.NewAuthMiddleware(jwtManager))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Info().
			Str("addr", addr).
			Str("grpc_addr", grpcAddr).
			Str("presence", cfg.Presence.Driver).
			Int("max_voice_participants", cfg.Voice.MaxParticipants).
			Msg("watchparty-service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// WebSocket connections are hijacked and outlive server.Shutdown.
	svc.DisconnectAll(shutdownCtx)

	logger.Info().Msg("server exited")
	return nil
}

// newChatRepository returns the Cassandra chat store when enabled and falls
// back to the relational one when Cassandra is unreachable.
func newChatRepository(ctx context.Context, cfg *config.Config, db *gorm.DB) (repository.ChatRepository, func()) {
	gormRepo := repository.NewGormChatRepository(db)
	if !cfg.Cassandra.Enabled {
		return gormRepo, func() {}
	}

	logger := pkglog.L()
	repo, err := cassandra.NewChatRepository(cfg.Cassandra)
	if err != nil {
		logger.Warn().Err(err).Msg("cassandra unavailable, storing chat in the database")
		return gormRepo, func() {}
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Warn().Err(err).Msg("cassandra schema check failed, storing chat in the database")
		repo.Close()
		return gormRepo, func() {}
	}
	logger.Info().Strs("hosts", cfg.Cassandra.Hosts).Msg("chat history stored in cassandra")
	return repo, func() { repo.Close() }
}
