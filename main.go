package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ms-fulfillment/internal/aftersale"
	"ms-fulfillment/internal/aftersale/aftersale_api"
	"ms-fulfillment/internal/aftersale/evidence"
	"ms-fulfillment/internal/analytics"
	"ms-fulfillment/internal/analytics/analytics_api"
	"ms-fulfillment/internal/auth"
	"ms-fulfillment/internal/catalog"
	"ms-fulfillment/internal/commission"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database"
	"ms-fulfillment/internal/database/migrations"
	"ms-fulfillment/internal/kafka"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/ledger/ledger_api"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/models"
	"ms-fulfillment/internal/order"
	"ms-fulfillment/internal/order/order_api"
	orderredis "ms-fulfillment/internal/order/redis"
	"ms-fulfillment/internal/outbox"
	"ms-fulfillment/internal/payment"
	"ms-fulfillment/internal/ratelimit"
	"ms-fulfillment/internal/settlement"
	"ms-fulfillment/internal/shipping"
	"ms-fulfillment/internal/shipping/shipping_api"
	"ms-fulfillment/internal/sse"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
)

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting fulfillment service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()
	prepareSchema(ctx, cfg.Database, bunDB, log)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = connectRedis(ctx, cfg.Redis, log)
		defer redisClient.Close()
	}

	engine, err := commission.NewEngineFromPercent(cfg.Commission.Percent)
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	log.Info("COMMISSION", fmt.Sprintf("Platform fee set to %d basis points", engine.RateBasisPoints()))

	// Domain services.
	directory := catalog.NewDirectory(bunDB)
	events := outbox.New(bunDB)
	ledgerService := ledger.NewService(bunDB, log)
	settlementService := settlement.NewService(bunDB, engine, ledgerService, log)

	orderService := order.NewOrderService(bunDB, directory, settlementService, events, log)
	orderService.Topic = cfg.Kafka.Topics.OrderStatus
	orderService.Currency = cfg.Stripe.Currency
	if redisClient != nil {
		orderService.Locker = orderredis.NewLocker(redisClient, cfg.Redis.LockTTL, cfg.Redis.LockWait, log)
	}

	emitter := sse.NewTrackingEventEmitter()
	shippingService := shipping.NewService(bunDB, orderService, directory, events, log)
	shippingService.Notifier = emitter
	shippingService.TrackingPrefix = cfg.Shipping.TrackingPrefix
	shippingService.Topic = cfg.Kafka.Topics.ShippingEvents
	orderService.Shipments = shippingService

	afterSaleService := aftersale.NewService(bunDB, orderService, settlementService, events, log)
	afterSaleService.Topic = cfg.Kafka.Topics.AfterSaleDecision
	afterSaleService.Limits.MinDescriptionLength = cfg.AfterSale.MinDescriptionLength
	afterSaleService.Limits.MaxPhotos = cfg.AfterSale.MaxImages

	store, err := evidence.NewStore(cfg.AfterSale.EvidenceDir, cfg.AfterSale.EvidenceBaseURL,
		cfg.AfterSale.MaxVideoBytes, cfg.AfterSale.MaxImageBytes)
	if err != nil {
		log.Fatal("STORAGE", fmt.Sprintf("Failed to prepare evidence storage: %v", err))
	}

	analyticsService := analytics.NewService(bunDB, log)
	if redisClient != nil && cfg.Redis.AnalyticsTTL > 0 {
		analyticsService = analytics.NewServiceWithCache(bunDB, redisClient, cfg.Redis.AnalyticsTTL, log)
	}

	verifier, err := newVerifier(ctx, cfg.Auth)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to create token verifier: %v", err))
	}

	// Background workers.
	var wg sync.WaitGroup
	goWorker := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.LogProcess(name, "worker exited")
		}()
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, cfg.Kafka.Topics.All(), log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()

		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentStatus, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		goWorker("PAYMENT_CONSUMER", func() {
			if err := consumer.Start(ctx, payment.StatusMessageHandler(orderService, log)); err != nil {
				log.Error("KAFKA", fmt.Sprintf("payment status consumer stopped: %v", err))
			}
		})
	} else {
		log.Warn("KAFKA", "Kafka disabled, domain events stay queued in the outbox")
	}

	if cfg.Outbox.InProcess {
		dispatcher := newDispatcher(bunDB, cfg, producer, log)
		goWorker("OUTBOX", func() { dispatcher.Run(ctx) })
	}

	if cfg.Shipping.GracePeriod > 0 {
		goWorker("DELIVERY_PROMOTION", func() {
			shippingService.RunPromotion(ctx, cfg.Shipping.GracePeriod, cfg.Shipping.PromotionInterval)
		})
	} else {
		log.Info("SHIPPING", "Delivery grace period not set, automatic delivery promotion disabled")
	}

	// HTTP.
	orderHandler := order_api.NewHandler(orderService, shippingService, log, cfg.Auth.AdminRole)
	shippingHandler := shipping_api.NewHandler(shippingService, emitter, log, cfg.Shipping.PublicTrackingURL, cfg.Auth.AdminRole)
	afterSaleHandler := aftersale_api.NewHandler(afterSaleService, store, log, cfg.Auth.AdminRole)
	ledgerHandler := ledger_api.NewHandler(ledgerService, log, cfg.Auth.AdminRole)
	analyticsHandler := analytics_api.NewHandler(analyticsService, log, cfg.Auth.AdminRole)
	webhookHandler := payment.NewWebhookHandler(orderService, cfg.Stripe.WebhookSecret, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthz(bunDB, redisClient))

	r.Route("/api", func(r chi.Router) {
		// Public tracking. The SSE stream must not sit behind the request timeout.
		r.Group(func(r chi.Router) {
			if redisClient != nil {
				limiter := ratelimit.NewLimiter(redisClient, int64(cfg.RateLimit.TrackingPerMinute), time.Minute, log)
				r.Use(limiter.Middleware("track"))
			}
			shippingHandler.PublicRoutes(r)
		})
		log.Info("ROUTER", "Public tracking routes registered under /api/track")

		r.Post("/webhooks/stripe", webhookHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
			r.Use(auth.Middleware(verifier))
			log.Info("AUTH", "Token middleware applied to protected API routes")

			orderHandler.Routes(r)
			shippingHandler.Routes(r)
			afterSaleHandler.Routes(r)
			ledgerHandler.Routes(r)
			analyticsHandler.Routes(r)

			r.With(auth.RequireRole(cfg.Auth.ServiceRole)).Post("/payments/status", orderHandler.PaymentStatus)

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(cfg.Auth.AdminRole))
				afterSaleHandler.AdminRoutes(r)
				analyticsHandler.AdminRoutes(r)
			})
			log.Info("ROUTER", "Order, shipping, after-sale, balance and analytics routes registered under /api")
		})
	})

	// Evidence links point here; only reviewers may download them.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier), auth.RequireRole(cfg.Auth.AdminRole))
		r.Handle(cfg.AfterSale.EvidenceBaseURL+"*",
			http.StripPrefix(cfg.AfterSale.EvidenceBaseURL, http.FileServer(http.Dir(store.Dir))))
	})

	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// No WriteTimeout: tracking streams stay open. Other routes are bounded by middleware.Timeout.
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Fulfillment service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}
	wg.Wait()
	log.Info("APP", "Fulfillment service shutdown complete")
}

func prepareSchema(ctx context.Context, cfg config.DatabaseConfig, db *bun.DB, log *logger.Logger) {
	if cfg.AutoMigrate {
		runner := migrations.NewRunner(cfg.DSN(), migrations.Options{Dir: cfg.MigrationsDir}, log)
		if err := runner.Up(); err != nil {
			log.Fatal("MIGRATE", err.Error())
		}
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATE", fmt.Sprintf("Failed to close migrator: %v", err))
		}
	}
	if cfg.AutoCreateSchema {
		if err := database.CreateSchema(ctx, db); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Failed to create schema: %v", err))
		}
		log.Info("DATABASE", "Schema ensured from models")
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client
}

func newVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.Mode == "hmac" {
		return auth.NewHMACVerifier(cfg.HMACSecret, cfg.Issuer)
	}
	return auth.NewOIDCVerifier(ctx, cfg.Issuer)
}

// newDispatcher registers the Kafka and Stripe handlers that are configured. Actions without
// a handler stay pending until a process with that handler runs.
func newDispatcher(db *bun.DB, cfg *config.Config, producer *kafka.Producer, log *logger.Logger) *outbox.Dispatcher {
	d := outbox.NewDispatcher(db, log)
	d.BatchSize = cfg.Outbox.BatchSize
	d.MaxAttempts = cfg.Outbox.MaxAttempts
	d.LeaseTimeout = cfg.Outbox.LeaseTimeout
	d.PollInterval = cfg.Outbox.PollInterval

	if producer != nil {
		d.Register(models.ActionPublishEvent, producer.PublishHandler())
	}
	gateway, err := payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.Currency, log)
	if err != nil {
		log.Warn("STRIPE", "Refunds will not be issued until STRIPE_SECRET_KEY is set")
	} else {
		d.Register(models.ActionIssueRefund, gateway.RefundHandler())
	}
	return d
}

func healthz(db *bun.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"database": "ok"}
		healthy := true
		if err := db.PingContext(ctx); err != nil {
			status["database"] = err.Error()
			healthy = false
		}
		if rdb != nil {
			status["redis"] = "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
				healthy = false
			}
		}
		if !healthy {
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("Unhealthy", fmt.Sprint(status)))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("OK", status))
	}
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, fmt.Sprint(ww.Status()), time.Since(start).String())
		})
	}
}
