package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailforge/campaign-engine/internal/ai"
	"github.com/mailforge/campaign-engine/internal/config"
	"github.com/mailforge/campaign-engine/internal/content"
	"github.com/mailforge/campaign-engine/internal/core"
	dbpkg "github.com/mailforge/campaign-engine/internal/db"
	"github.com/mailforge/campaign-engine/internal/logging"
	"github.com/mailforge/campaign-engine/internal/metrics"
	"github.com/mailforge/campaign-engine/internal/queue"
	"github.com/mailforge/campaign-engine/internal/quota"
	"github.com/mailforge/campaign-engine/internal/ratelimit"
	"github.com/mailforge/campaign-engine/internal/transport"
	"github.com/mailforge/campaign-engine/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	config.Load()
	common := config.CommonFromEnv()
	wcfg := config.WorkerFromEnv()
	providers := config.ProvidersFromEnv()

	log := logging.New("worker", common.LogLevel, common.LogConsole)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := dbpkg.Connect(rootCtx, common.DatabaseURL)
	if err != nil {
		log.Error().Err(err).Msg("db connect")
		exitCode = 1
		return
	}
	defer database.Close()
	if err := database.MigrateUp(rootCtx); err != nil {
		log.Error().Err(err).Msg("migrate")
		exitCode = 1
		return
	}
	store := &core.Store{DB: database.Pool}

	// ---- Queue / rate buckets ----
	rdb, err := queue.NewRedisClient(rootCtx, common.RedisAddr, common.RedisPassword, common.RedisDB)
	if err != nil {
		log.Error().Err(err).Msg("redis connect")
		exitCode = 1
		return
	}
	defer func() { _ = rdb.Close() }()
	q := queue.NewRedis(rdb, common.QueueKey)

	var limiter ratelimit.Limiter
	if wcfg.RateShared {
		limiter = ratelimit.NewRedisBuckets(rdb, "rate:", float64(wcfg.RateBurst), wcfg.RateQPS)
	} else {
		limiter = ratelimit.NewLocal(wcfg.RateQPS, wcfg.RateBurst)
	}

	// ---- Collaborators ----
	var gen content.Generator
	if providers.OpenAIAPIKey != "" {
		gen = ai.NewOpenAI(providers.OpenAIAPIKey, providers.OpenAIModel,
			float32(providers.AITemperature), providers.AIMaxTokens)
	}
	resolver := content.NewResolver(store, gen, wcfg.GenTimeout)

	var tr transport.Transport
	if providers.UseDummy || providers.ResendAPIKey == "" {
		log.Warn().Msg("using dummy transport")
		tr = transport.NewDummy()
	} else {
		tr = transport.NewResend(providers.ResendAPIKey)
	}

	quotaSvc := quota.NewStoreQuota(database.Pool)

	// ---- Metrics ----
	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(database.Pool)
	stop := make(chan struct{})
	defer close(stop)
	go poolStats.Start(wcfg.IdleSleep*10, stop)
	go serveOps(common.MetricsAddr)

	// ---- Pool ----
	engine := worker.New(store, q, limiter, quotaSvc, resolver, tr, log, worker.Options{
		Concurrency:     wcfg.Concurrency,
		BatchSize:       wcfg.BatchSize,
		QueueWait:       wcfg.QueueWait,
		IdleSleep:       wcfg.IdleSleep,
		DBBackoffMin:    wcfg.DBBackoffMin,
		DBBackoffMax:    wcfg.DBBackoffMax,
		Lease:           wcfg.Lease,
		MaxAttempts:     wcfg.MaxAttempts,
		BackoffBase:     wcfg.BackoffBase,
		BackoffCap:      wcfg.BackoffCap,
		RateWait:        wcfg.RateWait,
		SendTimeout:     wcfg.SendTimeout,
		QuotaRetryDelay: wcfg.QuotaRetryDelay,
	})

	log.Info().Int("concurrency", wcfg.Concurrency).Msg("dispatch pool starting")
	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pool exited")
		exitCode = 1
		return
	}
}

func serveOps(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	_ = http.ListenAndServe(addr, mux)
}
