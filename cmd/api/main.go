package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/rosstax/settlement-core/internal/breaker"
	"github.com/rosstax/settlement-core/internal/calendar"
	"github.com/rosstax/settlement-core/internal/config"
	"github.com/rosstax/settlement-core/internal/dispatch"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/gateway"
	"github.com/rosstax/settlement-core/internal/handler"
	"github.com/rosstax/settlement-core/internal/lock"
	"github.com/rosstax/settlement-core/internal/metrics"
	"github.com/rosstax/settlement-core/internal/micr"
	"github.com/rosstax/settlement-core/internal/middleware"
	"github.com/rosstax/settlement-core/internal/repository/postgres"
	"github.com/rosstax/settlement-core/internal/repository/storage"
	"github.com/rosstax/settlement-core/internal/service"
	"github.com/rosstax/settlement-core/internal/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// @title Settlement Core API
// @version 1.0
// @description Ledger, mobile check deposit, refund settlement and refund advance API.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Auth0 access token as "Bearer <token>"
// @securityDefinitions.apikey CallbackSignature
// @in header
// @name X-Signature
// @description HMAC-SHA256 of "<timestamp>.<body>" as "sha256=<hex>"
func main() {
	// Initialize zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	// Schema first, then the pool the repositories share
	migrator, err := postgres.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open migrator")
	}
	if err := migrator.Up(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	if err := migrator.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close migrator")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer pool.Close()
	log.Info().Msg("Connected to database")

	cal, err := calendar.Load(cfg.HolidayCalendarFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load holiday calendar")
	}
	log.Info().Str("calendar", cal.Name()).Int("holidays", len(cal.Holidays())).Msg("Loaded holiday calendar")

	// Ledger mutations serialize per account across replicas when Redis is set
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, lock.DefaultRedisOptions())
		log.Info().Msg("Using Redis locks")
	} else {
		log.Warn().Msg("REDIS_URL not set, locks are process-local")
	}

	m := metrics.New()

	// External collaborators
	var gw gateway.Gateway
	if cfg.Gateway.URL != "" {
		client := gateway.NewHTTPClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.Timeout,
			breaker.New(breaker.DefaultConfig("gateway"), log.Logger))
		client.SetMetrics(m)
		gw = client
	} else {
		log.Warn().Msg("GATEWAY_URL not set, disbursements go to the sandbox")
		gw = gateway.NewSandbox()
	}
	decoder := micr.NewGuardedDecoder(micr.NewLineDecoder(), cfg.DecoderTimeout,
		breaker.New(breaker.DefaultConfig("micr"), log.Logger))

	// Intent and audit delivery
	hub := websocket.NewHub()
	sinks := []dispatch.Sink{dispatch.NewWebsocketSink(hub)}
	var audit domain.AuditSink = dispatch.NewLogAuditSink(log.Logger)
	var writers []*kafka.Writer
	if cfg.Kafka.Enabled() {
		intentWriter := dispatch.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.IntentTopic)
		auditWriter := dispatch.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		writers = append(writers, intentWriter, auditWriter)
		sinks = append(sinks, dispatch.NewKafkaIntentSink(intentWriter))
		audit = dispatch.MultiAuditSink{audit, dispatch.NewKafkaAuditSink(auditWriter)}
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Publishing intents to Kafka")
	}
	dispatcher := dispatch.NewDispatcher(log.Logger, sinks...)
	dispatcher.SetMetrics(m)

	var images *service.CheckImageService
	if cfg.S3.Enabled() {
		s3Repo, err := storage.NewS3ImageRepository(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 storage")
		}
		images = service.NewCheckImageService(s3Repo)
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Check image storage enabled")
	} else {
		log.Warn().Msg("S3_BUCKET not set, check images are not stored")
	}

	// Initialize repositories
	ledgerRepo := postgres.NewLedgerRepository(pool)
	depositRepo := postgres.NewDepositRepository(pool)
	advanceRepo := postgres.NewAdvanceRepository(pool)
	settlementRepo := postgres.NewSettlementRepository(pool)

	// Initialize services
	ledgerService := service.NewLedgerService(ledgerRepo, locker)
	ledgerService.SetAuditSink(audit)
	ledgerService.SetMetrics(m)

	depositService := service.NewDepositService(depositRepo, ledgerService, service.NewHoldScheduler(cal), decoder, locker)
	depositService.SetImageService(images)
	depositService.SetAuditSink(audit)
	depositService.SetMetrics(m)

	advanceService := service.NewAdvanceService(advanceRepo, settlementRepo, ledgerService, gw, locker)
	advanceService.SetPolicy(service.NewCeilingPolicy(cfg.AdvanceCeiling))
	advanceService.SetAuditSink(audit)
	advanceService.SetMetrics(m)

	reconcilerService := service.NewReconcilerService(settlementRepo, advanceService, ledgerService, locker)
	reconcilerService.SetAuditSink(audit)
	reconcilerService.SetMetrics(m)

	holdWorker := service.NewHoldReleaseWorker(depositService, dispatcher, log.Logger, service.HoldReleaseWorkerConfig{
		Interval: cfg.HoldReleaseInterval,
	})
	workerCtx, stopWorker := context.WithCancel(ctx)
	holdWorker.Start(workerCtx)

	// Initialize middleware
	authMiddleware, err := middleware.NewAuthMiddleware(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create auth middleware")
	}
	wsValidator, err := websocket.NewAuth0JWTValidator(cfg.Auth0Domain, cfg.Auth0Audience)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create websocket token validator")
	}
	depositLimiter := middleware.NewDepositRateLimiter(cfg.RateLimitPerMinute, middleware.DefaultDepositBurst)
	defer depositLimiter.Stop()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.RequestID())

	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Security headers middleware (helmet-like)
	e.Use(echomiddleware.SecureWithConfig(echomiddleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))

	e.Use(zerologMiddleware())
	e.Use(echomiddleware.Recover())

	handler.RegisterRoutes(e, handler.Handlers{
		Ledger:      handler.NewLedgerHandler(ledgerService),
		Deposits:    handler.NewDepositHandler(depositService, ledgerService, dispatcher),
		Settlements: handler.NewSettlementHandler(reconcilerService, dispatcher),
		Advances:    handler.NewAdvanceHandler(advanceService, reconcilerService, dispatcher),
		WebSocket:   handler.NewWebSocketHandler(hub, wsValidator, cfg.CORSOrigins),
	}, handler.RouteMiddleware{
		Auth:        authMiddleware,
		Signature:   middleware.NewSignatureVerifier(cfg.CallbackSigningSecret),
		DepositRate: depositLimiter,
		Metrics:     m.Handler(),
	})

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Starting server")
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	holdWorker.Stop()
	stopWorker()
	depositLimiter.Stop()
	for _, w := range writers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("topic", w.Topic).Msg("Failed to flush Kafka writer")
		}
	}

	log.Info().Msg("Server exited")
}

// zerologMiddleware returns a middleware that logs requests using zerolog
func zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			event := log.Info()
			if res.Status >= http.StatusInternalServerError {
				event = log.Error()
			}
			event.
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", res.Status).
				Dur("latency", time.Since(start)).
				Str("request_id", res.Header().Get(echo.HeaderXRequestID)).
				Msg("request")

			return nil
		}
	}
}
