package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/ledgerd/internal/billingrun"
	"github.com/smallbiznis/ledgerd/internal/config"
	ledgerdomain "github.com/smallbiznis/ledgerd/internal/ledger/domain"
	obslogger "github.com/smallbiznis/ledgerd/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/ledgerd/internal/observability/metrics"
	"github.com/smallbiznis/ledgerd/internal/observability/tracing"
	"github.com/smallbiznis/ledgerd/internal/ratelimit"
	usagedomain "github.com/smallbiznis/ledgerd/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("server",
	fx.Provide(NewHandlers),
	fx.Provide(NewRouter),
	fx.Invoke(Start),
)

type Handlers struct {
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	billingRun *billingrun.Runner
}

type HandlerParams struct {
	fx.In

	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	BillingRun *billingrun.Runner
}

func NewHandlers(p HandlerParams) *Handlers {
	return &Handlers{
		ledger:     p.Ledger,
		usage:      p.Usage,
		billingRun: p.BillingRun,
	}
}

type RouterParams struct {
	fx.In

	Config      config.Config
	Handlers    *Handlers
	HTTPMetrics *obsmetrics.HTTPMetrics   `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics       `optional:"true"`
	Limiter     *ratelimit.CommandLimiter `optional:"true"`
}

func NewRouter(p RouterParams) *gin.Engine {
	if p.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.GinMiddleware())
	router.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           p.Config.Environment != "production",
		ErrorClassifier: ClassifyError,
	}))
	if p.HTTPMetrics != nil {
		router.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	}
	router.Use(ErrorHandlingMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1", OrgContextMiddleware())
	{
		commands := v1.Group("/ledger")
		if p.Limiter.Enabled() {
			commands.Use(CommandRateLimitMiddleware(p.Limiter, p.ObsMetrics))
		}
		commands.POST("/commands", p.Handlers.applyCommand)
		commands.GET("/transactions", p.Handlers.listTransactions)
		commands.GET("/entries", p.Handlers.listEntries)

		v1.GET("/subscriptions/:id/balance", p.Handlers.getBalance)
		v1.POST("/billing/periods/:id/recalculate", p.Handlers.recalculatePeriod)

		ingest := v1.Group("/usage")
		if p.Limiter.Enabled() {
			ingest.Use(IngestRateLimitMiddleware(p.Limiter, p.ObsMetrics))
		}
		ingest.POST("/events", p.Handlers.ingestUsage)
	}

	return router
}

// Start runs the HTTP server under the fx lifecycle.
func Start(lc fx.Lifecycle, cfg config.Config, router *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
