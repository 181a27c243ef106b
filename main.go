package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chat-sync/internal/auth"
	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

const auditRoutingKey = "audit.chat"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTel.Endpoint, cfg.OTel.ServiceName)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.DB.DSN)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	sessionRepo := repositories.NewSessionRepo(database)

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer func() { _ = publisher.Close() }()
	logger.Info("amqp publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.OTel.ServiceName, cfg.Env)

	registry := ws.NewRegistry()
	fanout := ws.NewFanout(registry, chatRepo, rabbitmq.NewPushNotifier(publisher))

	if cfg.Redis.Enable {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		relay := ws.NewRedisRelay(rdb, cfg.Redis.Channel, cfg.Redis.Node)
		fanout.UseRelay(relay)
		go func() {
			if err := relay.Run(ctx, fanout.Deliver); err != nil {
				logger.Error("fanout relay stopped", zap.Error(err))
			}
		}()
		logger.Info("fanout relay enabled", zap.String("channel", cfg.Redis.Channel), zap.String("node", cfg.Redis.Node))
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionTTLMinutes)
	authn := ws.NewAuthenticator(tokens, sessionRepo)
	wsHandler := ws.NewHandler(registry, authn, sessionRepo, ws.OptionsFromConfig(cfg.WS), cfg.CORS.AllowedOrigins)

	chatHandler := handlers.NewChatHandler(chatRepo, messageRepo, fanout, audit)
	sessionHandler := handlers.NewSessionHandler(sessionRepo, tokens, registry, audit)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	router.Use(middleware.RequestLogger(logger))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", middleware.AuthMiddleware(tokens))
	api.POST("/sessions", sessionHandler.CreateSession)
	api.DELETE("/sessions/:session_id", sessionHandler.DeleteSession)

	api.GET("/chats", chatHandler.ListChats)
	api.POST("/chats", chatHandler.CreateChat)
	api.DELETE("/chats/:chat_id", chatHandler.DeleteChat)
	api.PUT("/chats/:chat_id/relation", chatHandler.UpdateRelation)
	api.GET("/chats/:chat_id/messages", chatHandler.GetChatMessages)
	api.POST("/chats/:chat_id/messages", chatHandler.PostChatMessage)
	api.PATCH("/chats/:chat_id/messages/:message_id", chatHandler.EditMessage)
	api.DELETE("/chats/:chat_id/messages/:message_id", chatHandler.DeleteMessage)
	api.POST("/chats/:chat_id/messages/:message_id/read", chatHandler.MarkRead)

	handlers.RegisterDebugRoutes(api, audit, registry, cfg.Env != "production")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})

	restServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	wsServer := &http.Server{
		Addr:              ":" + cfg.WS.Port,
		Handler:           wsHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serve := func(name string, srv *http.Server) {
		logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.String("server", name), zap.Error(err))
			stop()
		}
	}
	go serve("rest", restServer)
	go serve("ws", wsServer)

	<-ctx.Done()
	logger.Info("shutting down", zap.Int("live_connections", registry.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rest shutdown", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws shutdown", zap.Error(err))
	}
	registry.CloseAll()
	fanout.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.Level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
