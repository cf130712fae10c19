package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"counselsync/libs/auth"
	"counselsync/libs/config"
	"counselsync/libs/db"
	"counselsync/libs/httpx"
	"counselsync/libs/kafkax"
	otelx "counselsync/libs/otel"
	"counselsync/libs/runtime"
	"counselsync/services/sync-service/internal/calendly"
	"counselsync/services/sync-service/internal/handlers"
	"counselsync/services/sync-service/internal/identity"
	"counselsync/services/sync-service/internal/outbox"
	"counselsync/services/sync-service/internal/stats"
	"counselsync/services/sync-service/internal/storage"
	"counselsync/services/sync-service/internal/sweep"
	syncer "counselsync/services/sync-service/internal/sync"
)

func main() {
	service := config.String("SERVICE_NAME", "sync-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	// The provider credential lives here and nowhere else; clients trigger
	// syncs, they never hold the token.
	calendlyToken, err := config.RequiredString("CALENDLY_TOKEN")
	if err != nil {
		panic(err)
	}
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		panic(err)
	}

	outboxRepo := outbox.NewRepository()
	apptRepo := storage.NewAppointmentRepository(pool, outboxRepo)
	statsRepo := storage.NewStatsRepository(pool)
	therapistRepo := storage.NewTherapistRepository(pool)

	aggregator := stats.NewAggregator(statsRepo)
	resolver := identity.NewResolver(therapistRepo, logger)
	client := calendly.NewClient(calendlyToken)

	scheduled := syncer.NewReconciler(client, apptRepo, resolver, aggregator, pool, logger, syncer.Config{
		Source:    "scheduled",
		Lookback:  config.Duration("SYNC_LOOKBACK", 30*24*time.Hour),
		Lookahead: config.Duration("SYNC_LOOKAHEAD", 60*24*time.Hour),
	})
	go scheduled.Run(ctx, config.Duration("SYNC_INTERVAL", 10*time.Minute))

	// Same engine, different entry point and source tag; no periodic loop.
	manual := syncer.NewReconciler(client, apptRepo, resolver, aggregator, nil, logger, syncer.Config{
		Source:    "manual",
		Lookback:  config.Duration("SYNC_LOOKBACK", 30*24*time.Hour),
		Lookahead: config.Duration("SYNC_LOOKAHEAD", 60*24*time.Hour),
	})

	sweeper := sweep.NewSweeper(apptRepo, pool, logger, sweep.Config{
		BatchLimit: config.Int("SWEEP_BATCH_LIMIT", 500),
	})
	go sweeper.Run(ctx, config.Duration("SWEEP_INTERVAL", 5*time.Minute))

	kafkaBrokers := config.String("KAFKA_BROKERS", "")
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   kafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	var rdb *redis.Client
	var syncLimit httpx.Middleware
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		limiter := httpx.NewRedisRateLimiter(rdb, config.Int("SYNC_RATE_LIMIT", 6), time.Minute, "sync")
		syncLimit = limiter.Middleware(logger, true)
	} else {
		syncLimit = httpx.NewRateLimiter(config.Int("SYNC_RATE_LIMIT", 6), time.Minute).Middleware()
	}

	syncHandler := handlers.NewSyncHandler(manual, therapistRepo, apptRepo, logger)
	adminHandler := handlers.NewAdminHandler(therapistRepo, logger, config.String("ADMIN_KEY_HASH", ""))

	checks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
	}
	if kafkaBrokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(kafkaBrokers)})
	}
	if rdb != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)})
	}
	mux := runtime.NewBaseMux(checks...)

	portalAuth := httpx.WithBearerAuth(jwtSecret, auth.RoleTherapist, auth.RoleAdmin)
	adminAuth := httpx.WithBearerAuth(jwtSecret, auth.RoleAdmin)
	mux.Handle("/v1/sync", httpx.Chain(http.HandlerFunc(syncHandler.Sync), portalAuth, syncLimit))
	mux.Handle("/v1/appointments", httpx.Chain(http.HandlerFunc(syncHandler.ListAppointments), portalAuth))
	mux.Handle("/v1/admin/role-migration", httpx.Chain(http.HandlerFunc(adminHandler.RoleMigration), adminAuth))

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   splitCSV(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Key"},
			AllowCredentials: true,
			MaxAge:           10 * time.Minute,
		}),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "sync")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func splitCSV(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
