package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/fleetrunner/internal/config"
	"github.com/geocoder89/fleetrunner/internal/db"
	httpx "github.com/geocoder89/fleetrunner/internal/http"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// local dev convenience; in containers the env comes from the runtime
	_ = godotenv.Load()

	// Load the config set up
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	ctx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	pool, err := db.NewPool(cfg.PostgresURL)

	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}

	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Error("schema setup failed", "err", err)
		os.Exit(1)
	}

	if cfg.Env == "dev" {
		if err := db.SeedHosts(ctx, pool, []string{"host-a", "host-b", "host-c"}); err != nil {
			log.Error("host seed failed", "err", err)
		}
	}

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	// set up routers with the log
	router := httpx.NewRouter(log, pool, prom, reg)

	// server set up
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// start server using a concurrent go-routine driven anonymous function.

	go func() {
		log.Info("Server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("server shutting down")

	shutdownCh := make(chan struct{})

	go func() {
		defer close(shutdownCh)

		ctxTimeOut := 10 * time.Second

		ctx, cancel := config.WithTimeout(ctxTimeOut)

		defer cancel()

		err := srv.Shutdown(ctx)

		if err != nil {
			log.Error("graceful shutdown failed", "err", err)

			return
		}
	}()

	select {
	case <-shutdownCh:
		log.Info("shutdown complete")

	case <-time.After(12 * time.Second):
		log.Error("shutdown timed out")
	}
}
