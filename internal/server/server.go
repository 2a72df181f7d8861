// Package server is the HTTP surface of the backend: map and module
// management plus job submission and retrieval, served with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/config"
	"github.com/lapsproject/laps/internal/jobs"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/maps"
	"github.com/lapsproject/laps/internal/modules"
)

// Options wires a Server.
type Options struct {
	Config   *config.Config
	Broker   broker.Broker
	Maps     *maps.Store
	Modules  *modules.Manager
	Jobs     *jobs.Dispatcher
	Runtime  modules.Runtime
	Gatherer prometheus.Gatherer // nil means the default registry
}

// Server carries the handler dependencies and the configured router.
type Server struct {
	broker     broker.Broker
	maps       *maps.Store
	modules    *modules.Manager
	jobs       *jobs.Dispatcher
	runtime    modules.Runtime
	admin      config.Admin
	addr       string
	maxPollers int64
	maxWait    time.Duration
	log        *logrus.Entry
	engine     *gin.Engine
}

// New builds the router. Call Run to serve.
func New(opts Options) *Server {
	s := &Server{
		broker:     opts.Broker,
		maps:       opts.Maps,
		modules:    opts.Modules,
		jobs:       opts.Jobs,
		runtime:    opts.Runtime,
		admin:      opts.Config.Admin,
		addr:       opts.Config.Server.Addr(),
		maxPollers: opts.Config.Jobs.MaxPollingClients,
		maxWait:    opts.Config.Jobs.MaxWait,
		log:        logging.Component("server"),
	}

	gin.SetMode(gin.ReleaseMode)
	registerValidations()
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	admin := s.requireAdmin()

	r.POST("/map", admin, s.uploadMap)
	r.GET("/maps", s.listMaps)
	r.GET("/map/:id", s.getMap)
	r.GET("/map/:id/meta", s.getMapMeta)
	r.DELETE("/map/:id", admin, s.deleteMap)

	r.POST("/module", admin, s.uploadModule)
	r.GET("/module/all", admin, s.listModules)
	r.GET("/module/:name/:version", admin, s.getModule)
	r.GET("/module/:name/:version/logs", admin, s.moduleLogs)
	r.POST("/module/:name/:version/start", admin, s.startModule)
	r.POST("/module/:name/:version/stop", admin, s.stopModule)
	r.POST("/module/:name/:version/restart", admin, s.restartModule)
	r.DELETE("/module/:name/:version", admin, s.deleteModule)

	r.POST("/job", s.submitJob)
	r.GET("/job/:token", s.getJob)

	s.engine = r
	return s
}

// registerValidations installs the custom binding rules request structs
// reference. Registration is idempotent.
func registerValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("modname", func(fl validator.FieldLevel) bool {
			return modules.ValidName(fl.Field().String())
		})
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(begin).String(),
		}).Debug("request")
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "broker": err.Error()})
		return
	}
	if s.runtime != nil {
		if err := s.runtime.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "docker": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
