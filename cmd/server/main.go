package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeanote/api/internal/client"
	"github.com/makeanote/api/internal/config"
	"github.com/makeanote/api/internal/handler"
	"github.com/makeanote/api/internal/history"
	"github.com/makeanote/api/internal/middleware"
	"github.com/makeanote/api/internal/polltask"
	"github.com/makeanote/api/internal/provider"
	"github.com/makeanote/api/internal/service"
	"github.com/makeanote/api/internal/task"
	ws "github.com/makeanote/api/internal/websocket"
	"github.com/makeanote/api/internal/worker"
	"github.com/makeanote/api/pkg/response"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	setupLogger(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Provider files, task state and prompt overrides all live under data_dir.
	providers, err := provider.NewRegistry(cfg.Storage.ConfigDir())
	if err != nil {
		slog.Error("failed to open provider registry", slog.Any("error", err))
		os.Exit(1)
	}
	tasks := task.NewStore(cfg.Storage.HistoryDir(), cfg.Generation.TaskTTL)
	prompts := service.NewPrompts(cfg.Storage.PromptDir())

	storage, err := client.NewStorageClient(ctx, cfg)
	if err != nil {
		slog.Warn("object storage unavailable, mirroring disabled", slog.Any("error", err))
		storage = nil
	}

	options := []service.RegistryOption{}
	if storage != nil {
		options = append(options, service.WithObjectStore(storage))
	}
	registry := service.NewRegistry(providers, tasks, prompts, service.ImageOptions{
		Concurrency:    cfg.Generation.Concurrency,
		RateInterval:   cfg.Generation.RateInterval,
		ReferenceMaxKB: cfg.Generation.ReferenceMaxKB,
		ThumbnailMaxKB: cfg.Generation.ThumbnailMaxKB,
	}, options...)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Warn("redis not available", slog.Any("error", err))
	}

	var historyBackend history.Backend
	switch cfg.Storage.HistoryBackend {
	case config.HistoryBackendRedis:
		historyBackend = history.NewRedisBackend(redisClient)
	default:
		historyBackend = history.NewFileBackend(filepath.Join(cfg.Storage.HistoryDir(), "index.json"))
	}
	historyStore := history.NewStore(historyBackend, tasks.Remove)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run(ctx)

	videoService := service.NewVideoService(redisClient, asynqClient, providers)

	outlineHandler := handler.NewOutlineHandler(registry, validate)
	imageHandler := handler.NewImageHandler(registry, validate)
	configHandler := handler.NewConfigHandler(registry, validate)
	historyHandler := handler.NewHistoryHandler(historyStore, validate)
	videoHandler := handler.NewVideoHandler(registry, videoService, validate)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // base64 reference images
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization",
		ExposeHeaders: "X-Task-Id",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "resident_tasks": tasks.Len()})
	})

	ai := app.Group("/api/ai", authHandler(cfg))

	textLimit := rateLimiter.OutlineLimit(cfg.RateLimit.OutlinePerMin)
	imageLimit := rateLimiter.ImageLimit(cfg.RateLimit.ImagePerHour)

	ai.Post("/outline", textLimit, outlineHandler.Outline)
	ai.Post("/content", textLimit, outlineHandler.Content)

	ai.Post("/generate", imageLimit, imageHandler.Generate)
	ai.Post("/regenerate", imageLimit, imageHandler.Regenerate)
	ai.Get("/images/:taskId/:filename", imageHandler.Image)
	ai.Get("/tasks/:taskId", imageHandler.Task)

	ai.Get("/config", configHandler.Get)
	ai.Post("/config", configHandler.Update)
	ai.Post("/config/test", configHandler.Test)

	ai.Get("/history", historyHandler.List)
	ai.Post("/history", historyHandler.Create)
	ai.Get("/history/stats", historyHandler.Stats)
	ai.Get("/history/:id", historyHandler.Get)
	ai.Put("/history/:id", historyHandler.Update)
	ai.Delete("/history/:id", historyHandler.Delete)
	ai.Get("/history/:id/exists", historyHandler.Exists)

	video := ai.Group("/video")
	video.Post("/plan", textLimit, videoHandler.Plan)
	video.Post("/generate", rateLimiter.VideoLimit(cfg.RateLimit.VideoPerHour), videoHandler.Generate)
	video.Get("/status/:jobId", videoHandler.Status)
	video.Get("/result/:jobId", videoHandler.Result)
	video.Post("/cancel/:jobId", videoHandler.Cancel)
	video.Get("/config", videoHandler.GetConfig)
	video.Post("/config", videoHandler.UpdateConfig)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	videoWorker := worker.NewVideoWorker(videoService, polltask.NewExecutor(nil), storage, hub, cfg.Storage.VideoDir())
	workerServer := newWorkerServer(cfg, redisOpt)
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeVideo, videoWorker.ProcessTask)
	if err := workerServer.Start(mux); err != nil {
		slog.Error("asynq worker failed to start", slog.Any("error", err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("shutting down server")
		stop()
		workerServer.Shutdown()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("server shutdown error", slog.Any("error", err))
		}
	}()

	addr := ":" + cfg.Server.Port
	slog.Info("server starting", slog.String("addr", addr), slog.String("data_dir", cfg.Storage.DataDir))
	if err := app.Listen(addr); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.Server.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Server.Env == "production" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func authHandler(cfg *config.Config) fiber.Handler {
	switch {
	case cfg.Gateway.Enabled:
		return middleware.GatewayAuthMiddleware()
	case cfg.Auth.Enabled:
		return middleware.NewAuthMiddleware(cfg.JWT.Secret).Authenticate()
	default:
		return func(c *fiber.Ctx) error { return c.Next() }
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			service.QueueVideo: 1,
		},
		LogLevel: asynqLogLevel(cfg.Server.SlogLevel()),
	})
}

func asynqLogLevel(l slog.Level) asynq.LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return asynq.DebugLevel
	case l >= slog.LevelError:
		return asynq.ErrorLevel
	case l >= slog.LevelWarn:
		return asynq.WarnLevel
	default:
		return asynq.InfoLevel
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
