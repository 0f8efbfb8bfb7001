package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/api"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/metrics"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/registry"
)

type Registry interface {
	List(ctx context.Context) ([]models.TagRegistryEntry, error)
	Get(ctx context.Context, tag string) (*models.TagRegistryEntry, error)
	LockInfo(ctx context.Context, name string) (*models.Lock, error)
}

type Watcher interface {
	Running() bool
	LastPoll() time.Time
	LastError() string
}

type Server struct {
	address  string
	registry Registry
	watcher  Watcher
	source   string
	metrics  *prom.Registry
	logger   *zap.Logger
}

func New(address string, reg Registry, watcher Watcher, source string, metricsRegistry *prom.Registry, logger *zap.Logger) *Server {
	if metricsRegistry == nil {
		metricsRegistry = prom.NewRegistry()
	}
	return &Server{
		address:  address,
		registry: reg,
		watcher:  watcher,
		source:   source,
		metrics:  metricsRegistry,
		logger:   logger.Named("server"),
	}
}

func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong "+fmt.Sprint(time.Now().Unix()))
	})
	r.GET("/api/status", s.status)
	r.GET("/api/tags/:tag", s.tag)
	r.GET("/metrics", gin.WrapH(metrics.HTTPHandler(s.metrics)))

	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("bind_address", s.address))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "Server failed")
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdown), "Failed to stop server")
	}
}

func (s *Server) tagStatus(ctx context.Context, entry *models.TagRegistryEntry) api.TagStatus {
	status := api.TagStatus{
		Tag:        entry.Tag,
		Stage:      entry.Stage.String(),
		Completed:  entry.Completed,
		Scheduled:  entry.Scheduled,
		Attempts:   entry.Attempts,
		OutputDir:  entry.OutputDir,
		Error:      entry.Error,
		UpdatedAt:  entry.UpdatedAt,
		StageSince: entry.StageSince,
	}
	if lock, err := s.registry.LockInfo(ctx, entry.Tag); err != nil {
		s.logger.Warn("Failed to read tag lock", lf.Tag(entry.Tag), zap.Error(err))
	} else {
		status.Locked = lock != nil
	}
	return status
}

func (s *Server) status(c *gin.Context) {
	entries, err := s.registry.List(c.Request.Context())
	if err != nil {
		s.logger.Error("Failed to list registry", zap.Error(err))
		c.JSON(http.StatusInternalServerError, &api.StatusResponse{
			Status: api.Status{Ok: false, Error: err.Error()},
		})
		return
	}

	res := &api.StatusResponse{
		Status: api.Status{Ok: true},
		Tags:   make([]api.TagStatus, 0, len(entries)),
	}
	for i := range entries {
		res.Tags = append(res.Tags, s.tagStatus(c.Request.Context(), &entries[i]))
	}
	if s.watcher != nil {
		res.Watcher = &api.WatcherStatus{
			Running:   s.watcher.Running(),
			Source:    s.source,
			LastPoll:  s.watcher.LastPoll(),
			LastError: s.watcher.LastError(),
		}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) tag(c *gin.Context) {
	entry, err := s.registry.Get(c.Request.Context(), c.Param("tag"))
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, &api.TagResponse{Status: api.Status{Ok: false, Error: err.Error()}})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, &api.TagResponse{Status: api.Status{Ok: false, Error: err.Error()}})
		return
	}

	status := s.tagStatus(c.Request.Context(), entry)
	c.JSON(http.StatusOK, &api.TagResponse{Status: api.Status{Ok: true}, Tag: &status})
}
