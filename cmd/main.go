package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"golang.org/x/time/rate"

	"marketplace-service/internal/api"
	"marketplace-service/internal/config"
	"marketplace-service/internal/consumer"
	"marketplace-service/internal/entity"
	"marketplace-service/internal/events"
	"marketplace-service/internal/expiry"
	"marketplace-service/internal/metrics"
	"marketplace-service/internal/notify"
	"marketplace-service/internal/repository"
	"marketplace-service/internal/repository/memory"
	mysqlstore "marketplace-service/internal/repository/mysql"
	"marketplace-service/internal/service"
	"marketplace-service/internal/vision"
	"marketplace-service/migrations"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func connectDBEnv(host, port, user, pass, dbname string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true", user, pass, host, port, dbname)

	var db *sql.DB
	var err error
	for i := 0; i < 10; i++ {
		db, err = sql.Open("mysql", dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				logger.Info().Msgf("Connected to DB %s", dbname)
				return db, nil
			}
		}
		logger.Warn().Err(err).Msgf("Retry %d: Failed to connect to DB %s (%s:%s)", i+1, dbname, host, port)
		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to connect to DB %s at %s:%s after retries: %v", dbname, host, port, err)
}

func openStore(cfg *config.Config) repository.Store {
	if cfg.Store == "memory" {
		logger.Warn().Msg("Using in-memory store, data is lost on restart")
		return memory.NewStore()
	}

	db, err := connectDBEnv(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)
	if err != nil {
		panic(err)
	}
	if err := migrations.AutoMigrate(3, db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate tables")
	}
	return mysqlstore.NewStore(db)
}

func main() {
	cfg := config.LoadConfig()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET must be set")
	}
	metrics.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openStore(cfg)
	opts := cfg.ServiceOptions()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}
	guard := service.NewIdempotencyGuard(rdb, 24*time.Hour)

	var sink notify.Sink = notify.LogSink{}
	if cfg.FonnteToken != "" {
		sink = notify.NewFonnteClient(cfg.FonnteURL, cfg.FonnteToken)
	}
	var queue *notify.RetryQueue
	if rdb != nil {
		queue = notify.NewRetryQueue(rdb, notify.DefaultRetryKey)
	}
	dispatcher := notify.NewDispatcher(sink, queue, cfg.RetryPolicy())
	go dispatcher.Run(ctx, cfg.NotifyRetryInterval)

	var publisher service.EventPublisher
	if cfg.KafkaEnabled {
		kafkaWriter := config.NewKafkaWriter(cfg.OrderTopic)
		defer kafkaWriter.Close()
		publisher = events.NewPublisher(kafkaWriter)
	}

	var verifier service.VisionVerifier
	if cfg.GeminiAPIKey != "" {
		verifier = vision.NewGeminiClient(cfg.GeminiURL, cfg.GeminiModel, cfg.GeminiAPIKey)
	}

	ledger := service.NewLedger(store)
	machine := service.NewStateMachine(ledger, opts)
	reactor := service.NewReactor(store, dispatcher, publisher)

	// The coordinator and the expiry scheduler refer to each other; the
	// scheduler reaches the coordinator through this variable.
	var coordinator *service.Coordinator
	expirer := expiry.ExpirerFunc(func(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error {
		return coordinator.ExpireRound(ctx, orderID, kind, round)
	})

	var scheduler service.ExpiryScheduler
	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHost,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Temporal unavailable, expiring offers with in-process timers")
		timers := expiry.NewTimerScheduler(expirer)
		defer timers.Stop()
		scheduler = timers
	} else {
		defer temporalClient.Close()
		w := expiry.NewWorker(temporalClient, cfg.TemporalTaskQueue, expirer)
		if err := w.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Unable to start Temporal worker")
		}
		defer w.Stop()
		scheduler = expiry.NewScheduler(temporalClient, cfg.TemporalTaskQueue)
	}

	coordinator = service.NewCoordinator(store, service.NewGeoIndex(store, opts), machine, reactor, scheduler, opts)
	orderService := service.NewOrderService(store, machine, coordinator, reactor, ledger, guard, verifier, opts)
	partyService := service.NewPartyService(store, ledger)

	if cfg.KafkaEnabled {
		paymentReader := config.NewKafkaReader(cfg.PaymentTopic, cfg.PaymentGroupID)
		defer paymentReader.Close()
		go consumer.NewConsumer(paymentReader, orderService).Run(ctx)
	}

	e := echo.New()

	limiterConfig := middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/webhook") || c.Path() == "/metrics"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitRPS),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		IdentifierExtractor: func(context echo.Context) (string, error) {
			return context.RealIP(), nil
		},
		ErrorHandler: func(context echo.Context, err error) error {
			return context.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
		DenyHandler: func(context echo.Context, identifier string, err error) error {
			return context.JSON(429, map[string]string{"error": "rate limit exceeded"})
		},
	}

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiterWithConfig(limiterConfig))

	api.Register(e, api.Handlers{
		Auth:      api.NewAuthHandler(cfg.JWTSecret, cfg.AdminAPIKey, cfg.TokenTTL, partyService),
		Orders:    api.NewOrderHandler(orderService, coordinator),
		Parties:   api.NewPartyHandler(partyService),
		Webhook:   api.NewWebhookHandler(cfg.WebhookToken, orderService, partyService, coordinator, guard, reactor),
		JWTSecret: cfg.JWTSecret,
	})

	e.Logger.Fatal(e.Start(cfg.HTTPAddr))
}
