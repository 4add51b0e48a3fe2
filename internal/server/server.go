package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/evvbridge/internal/config"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
	obsmiddleware "github.com/smallbiznis/evvbridge/internal/observability/logger"
	obstracing "github.com/smallbiznis/evvbridge/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	visits      *service.VisitService
	corrections *service.CorrectionService
	individuals *service.IndividualService
	employees   *service.EmployeeService
	log         *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Visits      *service.VisitService
	Corrections *service.CorrectionService
	Individuals *service.IndividualService
	Employees   *service.EmployeeService
	Log         *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		visits:      p.Visits,
		corrections: p.Corrections,
		individuals: p.Individuals,
		employees:   p.Employees,
		log:         p.Log.Named("http.handlers"),
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(OrgContext())

	// -------- Visits --------
	api.POST("/visits/batch", s.SubmitVisitBatch)
	api.POST("/visits/pending", s.SubmitPendingVisits)
	api.GET("/visits/rejected", s.ListRejectedVisits)
	api.POST("/visits/:id/submit", s.SubmitVisit)
	api.POST("/visits/:id/corrections", s.CorrectVisit)
	api.POST("/visits/:id/void", s.VoidVisit)
	api.GET("/visits/:id/transactions", s.ListVisitTransactions)

	// -------- Registrations --------
	api.POST("/individuals/:id/submit", s.SubmitIndividual)
	api.POST("/employees/:id/submit", s.SubmitEmployee)

	api.GET("/aggregator/health", s.AggregatorHealth)
}
