package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailforge/campaign-engine/internal/config"
	"github.com/mailforge/campaign-engine/internal/core"
	dbpkg "github.com/mailforge/campaign-engine/internal/db"
	"github.com/mailforge/campaign-engine/internal/logging"
	"github.com/mailforge/campaign-engine/internal/metrics"
	"github.com/mailforge/campaign-engine/internal/queue"
	"github.com/mailforge/campaign-engine/internal/scheduler"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	config.Load()
	common := config.CommonFromEnv()
	scfg := config.SchedulerFromEnv()

	log := logging.New("scheduler", common.LogLevel, common.LogConsole)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	rdb, err := queue.NewRedisClient(rootCtx, common.RedisAddr, common.RedisPassword, common.RedisDB)
	if err != nil {
		log.Error().Err(err).Msg("redis connect")
		exitCode = 1
		return
	}
	defer func() { _ = rdb.Close() }()
	q := queue.NewRedis(rdb, common.QueueKey)

	metrics.MustRegister()
	go serveOps(common.MetricsAddr)

	svc := scheduler.New(store, q, log, scheduler.Options{
		SweepEvery:    scfg.SweepEvery,
		CampaignBatch: scfg.CampaignBatch,
		RequeueBatch:  scfg.RequeueBatch,
		ProviderKey:   scfg.ProviderKey,
	})

	log.Info().Dur("sweep_every", scfg.SweepEvery).Msg("scheduler starting")
	if err := svc.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scheduler exited")
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
