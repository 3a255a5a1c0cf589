package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailforge/campaign-engine/internal/config"
	dbpkg "github.com/mailforge/campaign-engine/internal/db"
	"github.com/mailforge/campaign-engine/internal/httpapi"
	"github.com/mailforge/campaign-engine/internal/logging"
	"github.com/mailforge/campaign-engine/internal/metrics"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	config.Load()
	common := config.CommonFromEnv()
	addr := config.Env("API_ADDR", "0.0.0.0:8080")

	log := logging.New("api", common.LogLevel, common.LogConsole)

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

	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(database.Pool)
	stop := make(chan struct{})
	defer close(stop)
	go poolStats.Start(5*time.Second, stop)

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(database.Pool).Router(),
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("api listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("api exited")
		exitCode = 1
		return
	}
}
