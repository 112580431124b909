package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/config"
	"github.com/noah-isme/gema-scorm-api/internal/database"
	"github.com/noah-isme/gema-scorm-api/internal/handler"
	"github.com/noah-isme/gema-scorm-api/internal/middleware"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
	"github.com/noah-isme/gema-scorm-api/internal/router"
	"github.com/noah-isme/gema-scorm-api/internal/scheduler"
	"github.com/noah-isme/gema-scorm-api/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to access database pool: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logger.Warn().Msg("redis disabled, score summaries are not cached")
	}

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	attemptRepo := repository.NewAttemptRepository(db)
	resourceRepo := repository.NewResourceRepository(db)
	elementRepo := repository.NewElementRepository(db)
	overrideRepo := repository.NewOverrideRepository(db)
	questionScoreRepo := repository.NewQuestionScoreRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	locker := service.NewAttemptLocker()
	scoreService := service.NewScoreService(service.ScoreRepositories{
		Attempts:       attemptRepo,
		Resources:      resourceRepo,
		Elements:       elementRepo,
		Overrides:      overrideRepo,
		QuestionScores: questionScoreRepo,
	}, redisClient, cfg.ScoreCacheTTL, logger)
	outcomeReporter := service.NewOutcomeReporter(attemptRepo, resourceRepo, scoreService, natsConn, cfg.RealtimeChannel, logger)
	liveService := service.NewLiveUpdateService(redisClient, cfg.RealtimeChannel, natsConn, logger)
	suspendDataService := service.NewSuspendDataService(db, attemptRepo, elementRepo, locker, logger)
	activityService := service.NewActivityService(activityRepo, logger)
	stateService := service.NewAttemptStateService(service.AttemptStateDependencies{
		DB:        db,
		Attempts:  attemptRepo,
		Resources: resourceRepo,
		Elements:  elementRepo,
		Reporter:  outcomeReporter,
		Activity:  activityService,
		Live:      liveService,
		Locker:    locker,
		Logger:    logger,
	})
	ingestionService := service.NewIngestionService(service.IngestionDependencies{
		DB:        db,
		Attempts:  attemptRepo,
		Resources: resourceRepo,
		Elements:  elementRepo,
		State:     stateService,
		Scores:    scoreService,
		Live:      liveService,
		Locker:    locker,
		Validator: validate,
		Logger:    logger,
	})
	overrideService := service.NewOverrideService(overrideRepo, attemptRepo, resourceRepo, scoreService, outcomeReporter, activityService, validate, logger)
	reviewService := service.NewReviewService(attemptRepo, elementRepo, suspendDataService, logger)

	liveCtx, stopLive := context.WithCancel(context.Background())
	defer stopLive()
	liveService.Start(liveCtx)

	jobs := scheduler.New(suspendDataService, cfg.CompactionInterval, cfg.CompactionBudget, logger)
	if err := jobs.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer jobs.Stop()

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSAllowOrigins})
	router.Register(app, cfg, router.Dependencies{
		IngestionHandler: handler.NewIngestionHandler(ingestionService, validate, logger),
		LiveHandler:      handler.NewLiveHandler(liveService, logger),
		AttemptHandler:   handler.NewAttemptHandler(scoreService, reviewService, stateService, logger),
		OverrideHandler:  handler.NewOverrideHandler(overrideService, validate, logger),
		ActivityHandler:  handler.NewActivityHandler(activityService, logger),
		DatabasePinger:   handler.PingerFunc(sqlDB.Ping),
		JWTMiddleware:    middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
