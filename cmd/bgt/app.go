package main

import (
	"context"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/builder"
	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/metrics"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/notify"
	"github.com/bgt-builder/bgt/internal/pipeline"
	"github.com/bgt-builder/bgt/internal/registry"
	"github.com/bgt-builder/bgt/internal/signing"
	"github.com/bgt-builder/bgt/internal/tagsource"
	"github.com/bgt-builder/bgt/internal/workspace"
)

// app is everything a pipeline command needs, built from the loaded config.
type app struct {
	conf   *config.Config
	logger *zap.Logger

	registry *registry.Registry
	repos    *workspace.Repos
	builder  *builder.Guix
	signer   signing.Signer
	detached *tagsource.Cached
	gateway  *signing.Guix
	notifier notify.Notifier

	metricsRegistry *prom.Registry
	metrics         *metrics.Prometheus
	runner          *pipeline.Runner
}

func openRegistry(conf *config.Config, logger *zap.Logger) (*registry.Registry, error) {
	return registry.Open(logger, conf.RegistryPath(), registry.Options{StaleAfter: conf.Lock.StaleAfter})
}

func newApp(conf *config.Config, logger *zap.Logger) (*app, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	reg, err := openRegistry(conf, logger)
	if err != nil {
		return nil, err
	}

	signer, err := signing.NewSigner(conf)
	if err != nil {
		_ = reg.Close()
		return nil, errors.Wrap(err, "Failed to load signing key")
	}

	detachedSource, err := tagsource.New(conf.Detached, conf.Watch.TagPattern, logger)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	notifier := notify.New(conf, reg, logger)

	a := &app{
		conf:            conf,
		logger:          logger,
		registry:        reg,
		repos:           workspace.NewRepos(conf, logger),
		signer:          signer,
		detached:        tagsource.NewCached(detachedSource, conf.Watch.CacheTTL),
		notifier:        notifier,
		metricsRegistry: prom.NewRegistry(),
	}
	a.builder = builder.NewGuix(conf, a.repos, workspace.NewSDKs(conf, logger), reg, logger)
	a.gateway = signing.NewGuix(conf, signer, a.repos, a.detached, reg, signing.Options{AutoPush: conf.Signer.AutoPush}, logger)
	a.metrics = metrics.NewPrometheus(a.metricsRegistry)
	a.runner = pipeline.NewRunner(conf, reg, a.builder, a.gateway, a.metrics, notifier, logger)
	return a, nil
}

func (a *app) Close() {
	a.detached.Stop()
	if err := a.registry.Close(); err != nil {
		a.logger.Warn("Failed to close registry", zap.Error(err))
	}
}

// runTag drives one tag for a manual command after making sure the
// checkouts exist.
func (a *app) runTag(ctx context.Context, name string, options pipeline.Options) (*models.PipelineRun, error) {
	if err := a.repos.Prepare(ctx); err != nil {
		return nil, errors.Wrap(err, "Failed to prepare checkouts")
	}
	return a.runner.Run(ctx, models.Tag{Name: name}, options)
}
