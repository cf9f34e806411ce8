package http

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/geocoder89/fleetrunner/internal/http/handlers"
	"github.com/geocoder89/fleetrunner/internal/observability"
	"github.com/geocoder89/fleetrunner/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(log *slog.Logger, pool *pgxpool.Pool, prom *observability.Prom, reg *prometheus.Registry) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(log))

	if prom != nil {
		r.Use(prom.GinHandleMiddleware())
	}

	// health
	ping := func() error {
		if pool == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		return pool.Ping(ctx)
	}

	// Routes
	h := handlers.NewHealthHandler(ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	// wire up repositories
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	executionsRepo := postgres.NewExecutionsRepo(pool, prom)
	hostsRepo := postgres.NewHostsRepo(pool, prom)

	// Wire up the handlers
	jobsHandler := handlers.NewJobsHandler(jobsRepo, executionsRepo)
	hostsHandler := handlers.NewHostsHandler(hostsRepo)

	r.POST("/webhook/jobs/", jobsHandler.CreateJob)

	r.GET("/jobs/", jobsHandler.ListJobs)
	r.GET("/jobs/:id/", jobsHandler.GetJob)
	r.POST("/jobs/:id/approve/", jobsHandler.Approve)
	r.POST("/jobs/:id/reject/", jobsHandler.Reject)
	r.GET("/jobs/:id/executions", jobsHandler.ListExecutions)
	r.GET("/jobs/executions/:id/logs", jobsHandler.ExecutionLogs)

	// host command policy
	r.PUT("/hosts/:host_id/blocks", hostsHandler.ReplaceBlocks)
	r.DELETE("/hosts/:host_id/blocks/:command_type", hostsHandler.DeleteBlock)

	return r
}
