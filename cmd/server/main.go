package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discount-ledger/internal/config"
	"discount-ledger/internal/database"
	"discount-ledger/internal/handlers"
	"discount-ledger/internal/kafka"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"
	"discount-ledger/internal/redis"
	"discount-ledger/internal/services"
	"discount-ledger/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Фабричные функции для подключения внешних сервисов (подменяемые в тестах).
var (
	dbConnect        = database.Connect
	redisConnect     = redis.Connect
	newKafkaProducer = kafka.NewProducer
	newKafkaConsumer = kafka.NewConsumer
	kafkaHealthCheck = handlers.CheckKafkaHealth
	loadConfig       = config.Load
	newLogger        = logger.New
)

const storeMemory = "memory"

// application агрегирует собранные зависимости.
type application struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.DB
	redis    *redis.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
	ledger   *services.Ledger
	registry *prometheus.Registry
	mux      *http.ServeMux
	server   *http.Server
}

func main() {
	app, err := buildApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build app: %v\n", err)
		os.Exit(1)
	}
	app.log.Info("Starting discount ledger server...")

	go func() {
		app.log.WithField("address", app.server.Addr).Info("HTTP server starting")
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.WithError(err).Error("Server forced to shutdown")
	}
	app.close()
	app.log.Info("Server exited")
}

// close освобождает внешние подключения; все компоненты допускают nil.
func (a *application) close() {
	_ = a.consumer.Stop()
	_ = a.producer.Close()
	_ = a.redis.Close()
	_ = a.db.Close()
}

// buildApplication создает все зависимости (подменяемые в тестах).
func buildApplication() (*application, error) {
	cfg := loadConfig()
	log := newLogger(&cfg.Logger)
	app := &application{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cardStore, storeHealth, err := app.connectStore()
	if err != nil {
		return nil, err
	}

	var (
		locker      services.Locker
		cache       handlers.RedisClient
		redisHealth handlers.RedisHealth
	)
	if cfg.Redis.Enabled {
		app.redis, err = redisConnect(&cfg.Redis, log)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		locker = services.NewRedisLocker(app.redis)
		cache = app.redis
		redisHealth = app.redis
	} else {
		log.Warn("Redis disabled: redemption lock is process-local, cache and rate limiting are off")
	}

	var (
		events     services.EventPublisher
		kafkaCheck func([]string) error
	)
	if cfg.Kafka.Enabled {
		app.producer, err = newKafkaProducer(&cfg.Kafka, log)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		app.consumer, err = newKafkaConsumer(&cfg.Kafka, log)
		if err != nil {
			app.close()
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		events = app.producer
		kafkaCheck = kafkaHealthCheck
	}

	app.ledger = services.NewLedger(cardStore, locker, events, log, &cfg.Ledger, services.DefaultPromoCodes(time.Now()))
	app.ledger.SetMetrics(services.NewLedgerMetrics(app.registry))
	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ledger.SeedPromoCodes(seedCtx); err != nil {
		app.close()
		return nil, err
	}

	rateLimiter := services.NewRateLimiter(app.redis, log, &cfg.RateLimit)
	var entryGuard handlers.CodeEntryGuard
	if guard := services.NewCodeEntryGuard(app.redis, log, &cfg.RateLimit); guard.Enabled() {
		entryGuard = guard
	}
	giftCardHandler := handlers.NewGiftCardHandler(app.ledger, cache, time.Duration(cfg.Ledger.CardsCacheTTLSeconds)*time.Second, log).
		WithCodeEntryGuard(entryGuard)
	healthHandler := handlers.NewHealthHandler(storeHealth, redisHealth, cfg.Kafka.Brokers, kafkaCheck)
	rateLimitHandler := handlers.NewRateLimitHandler(rateLimiter, entryGuard, log, &cfg.RateLimit)

	if app.consumer != nil {
		registerEventHandlers(app.consumer, giftCardHandler, log)
		if err := app.consumer.Start(); err != nil {
			app.close()
			return nil, fmt.Errorf("kafka consumer start: %w", err)
		}
	}

	app.mux = setupRoutes(giftCardHandler, healthHandler, rateLimitHandler, rateLimiter, log)
	app.mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	app.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return app, nil
}

// connectStore выбирает хранилище карт по LEDGER_STORE.
func (a *application) connectStore() (services.CardStore, handlers.DBHealth, error) {
	if a.cfg.Ledger.Store == storeMemory {
		a.log.Warn("Using in-memory gift card store: data is lost on restart")
		mem := store.NewMemoryStore()
		return mem, mem, nil
	}

	db, err := dbConnect(&a.cfg.Database, a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	a.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("db migrate: %w", err)
	}

	pg := store.NewPostgresStore(db)
	return pg, pg, nil
}

// setupRoutes настраивает маршруты HTTP сервера
func setupRoutes(giftCardHandler *handlers.GiftCardHandler, healthHandler *handlers.HealthHandler, rateLimitHandler *handlers.RateLimitHandler, rateLimiter handlers.MiddlewareLimiter, log *logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	applyAPI := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(handlers.RateLimitMiddleware(rateLimiter, log, h))
	}

	// Health check endpoints
	mux.HandleFunc("/health", corsMiddleware(healthHandler.Health))
	mux.HandleFunc("/health/readiness", corsMiddleware(healthHandler.Readiness))
	mux.HandleFunc("/health/liveness", corsMiddleware(healthHandler.Liveness))

	// Gift card endpoints
	mux.HandleFunc("/api/gift-cards", applyAPI(giftCardHandler.Issue))
	mux.HandleFunc("/api/gift-cards/redeem", applyAPI(giftCardHandler.Redeem))
	mux.HandleFunc("/api/gift-cards/apply", applyAPI(giftCardHandler.Apply))
	mux.HandleFunc("/api/users/", applyAPI(giftCardHandler.UserCards))

	// Promo codes endpoints
	mux.HandleFunc("/api/promo-codes", applyAPI(giftCardHandler.ListPromoCodes))

	// Rate limit status
	mux.HandleFunc("/api/rate-limit/status", applyAPI(rateLimitHandler.Status))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "Route not found")
	})

	return mux
}

// registerEventHandlers регистрирует обработчики событий Kafka.
// Claimed и redeemed сбрасывают кеш карт пользователя на всех инстансах.
func registerEventHandlers(consumer *kafka.Consumer, giftCardHandler *handlers.GiftCardHandler, log *logger.Logger) {
	consumer.RegisterHandler(models.EventTypeGiftCardIssued, func(ctx context.Context, event *models.Event) error {
		log.WithField("event_id", event.ID).Debug("Gift card issued event received")
		return giftCardHandler.EvictOnEvent(ctx, event)
	})
	consumer.RegisterHandler(models.EventTypeGiftCardClaimed, giftCardHandler.EvictOnEvent)
	consumer.RegisterHandler(models.EventTypeGiftCardRedeemed, giftCardHandler.EvictOnEvent)
}

// corsMiddleware и другие helper функции
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	type errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}
