package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/metrics"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/pipeline"
	"github.com/bgt-builder/bgt/internal/registry"
	"github.com/bgt-builder/bgt/internal/tagsource"
)

// LockName is the registry lock held by the running watcher. Its pid is the
// process `watch stop` signals.
const LockName = "watcher"

var ErrAlreadyStarted = errors.New("Watcher is already started")

type Registry interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
	Heartbeat(ctx context.Context, name string) error
	LockInfo(ctx context.Context, name string) (*models.Lock, error)
	Observe(ctx context.Context, tags []models.Tag, scheduled bool) ([]models.Tag, error)
	LoadIncomplete(ctx context.Context) ([]models.TagRegistryEntry, error)
	RecordBaseline(ctx context.Context, tags []models.Tag) ([]models.Tag, error)
	Baselined(ctx context.Context) (bool, error)
}

type Runner interface {
	Run(ctx context.Context, tag models.Tag, options pipeline.Options) (*models.PipelineRun, error)
}

type Watcher struct {
	conf     *config.Config
	source   tagsource.Source
	registry Registry
	runner   Runner
	metrics  metrics.Recorder
	logger   *zap.Logger

	running  atomic.Bool
	lastPoll atomic.Time
	lastErr  atomic.String

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	runs   sync.WaitGroup
}

func NewWatcher(conf *config.Config, source tagsource.Source, reg Registry, runner Runner, recorder metrics.Recorder, logger *zap.Logger) *Watcher {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Watcher{
		conf:     conf,
		source:   source,
		registry: reg,
		runner:   runner,
		metrics:  recorder,
		logger:   logger.Named("watcher"),
	}
}

func (w *Watcher) Running() bool {
	return w.running.Load()
}

func (w *Watcher) LastPoll() time.Time {
	return w.lastPoll.Load()
}

func (w *Watcher) LastError() string {
	return w.lastErr.Load()
}

// Start takes the watcher lock and begins polling in the background.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrAlreadyStarted
	}

	acquired, err := w.registry.TryAcquire(ctx, LockName)
	if err != nil {
		return errors.Wrap(err, "Failed to take watcher lock")
	}
	if !acquired {
		owner := ""
		if lock, err := w.registry.LockInfo(ctx, LockName); err == nil && lock != nil {
			owner = lock.Owner
		}
		return &errs.LockContentionError{Name: LockName, Owner: owner}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go func() {
		err := w.loop(ctx)
		cancel()
		w.runs.Wait()

		if err := w.registry.Release(context.WithoutCancel(ctx), LockName); err != nil {
			w.logger.Error("Failed to release watcher lock", zap.Error(err))
		}
		w.running.Store(false)

		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.done)
	}()
	return nil
}

// Stop lets the current poll finish, cancels pipeline waits and blocks until
// every pipeline goroutine has returned.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return w.Wait()
}

func (w *Watcher) Wait() error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Run polls until ctx is cancelled or a fatal error happens.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	return w.Wait()
}

func (w *Watcher) pollBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.conf.Watch.PollInterval / 8
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = w.conf.Watch.PollInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (w *Watcher) loop(ctx context.Context) error {
	logger := w.logger
	logger.Info("Watching for new tags",
		lf.Source(w.source.Name()),
		zap.String("interval", units.HumanDuration(w.conf.Watch.PollInterval)),
	)

	baselined, err := w.registry.Baselined(ctx)
	if err != nil {
		return err
	}
	baseline := !baselined
	if err := w.resume(ctx); err != nil {
		return err
	}

	heartbeat := time.NewTicker(w.heartbeatInterval())
	defer heartbeat.Stop()
	timer := time.NewTimer(0)
	defer timer.Stop()
	retry := w.pollBackoff()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Watcher stopped")
			return nil
		case <-heartbeat.C:
			if err := w.registry.Heartbeat(ctx, LockName); errors.Is(err, registry.ErrLockLost) {
				return err
			} else if err != nil && ctx.Err() == nil {
				logger.Warn("Failed to refresh watcher lock", zap.Error(err))
			}
		case <-timer.C:
			// A started poll always completes, stopping only cancels waits.
			err := w.tick(context.WithoutCancel(ctx), ctx, &baseline)
			w.lastPoll.Store(time.Now())
			next := w.conf.Watch.PollInterval

			switch {
			case err == nil:
				w.lastErr.Store("")
				w.metrics.IncPoll("ok")
				retry.Reset()
			case errs.IsAuth(err):
				w.metrics.IncPoll("auth")
				logger.Error("Tag source rejected credentials, stopping", zap.Error(err))
				return err
			default:
				w.lastErr.Store(err.Error())
				w.metrics.IncPoll("error")
				next = retry.NextBackOff()
				logger.Warn("Failed to poll tags", zap.Error(err), zap.String("retry_in", units.HumanDuration(next)))
			}
			timer.Reset(next)
		}
	}
}

func (w *Watcher) heartbeatInterval() time.Duration {
	if w.conf.Lock.HeartbeatInterval > 0 {
		return w.conf.Lock.HeartbeatInterval
	}
	return 30 * time.Second
}

func (w *Watcher) resume(ctx context.Context) error {
	entries, err := w.registry.LoadIncomplete(ctx)
	if err != nil {
		return errors.Wrap(err, "Failed to load unfinished tags")
	}
	for _, entry := range entries {
		w.logger.Info("Resuming tag", lf.Tag(entry.Tag), lf.Stage(entry.Stage.String()))
		w.spawn(ctx, entry.Run().Tag)
	}
	return nil
}

// tick polls the source once. Listing and bookkeeping run on pollCtx, new
// pipelines on runCtx.
func (w *Watcher) tick(pollCtx, runCtx context.Context, baseline *bool) error {
	tags, err := w.source.ListTags(pollCtx)
	if err != nil {
		return err
	}

	if *baseline {
		inserted, err := w.registry.RecordBaseline(pollCtx, tags)
		if err != nil {
			return err
		}
		*baseline = false
		w.logger.Info("Recorded existing tags as baseline", zap.Int("count", len(inserted)))
		return nil
	}

	inserted, err := w.registry.Observe(pollCtx, tags, true)
	if err != nil {
		return err
	}
	for _, tag := range inserted {
		w.logger.Info("Found new tag", lf.Tag(tag.Name))
		w.spawn(runCtx, tag)
	}
	return nil
}

func (w *Watcher) spawn(ctx context.Context, tag models.Tag) {
	if ctx.Err() != nil {
		return
	}
	w.runs.Add(1)
	go func() {
		defer w.runs.Done()
		logger := w.logger.With(lf.Tag(tag.Name))

		run, err := w.runner.Run(ctx, tag, pipeline.Options{})
		switch {
		case err == nil:
			logger.Info("Pipeline finished", lf.Stage(run.Stage.String()))
		case errs.IsLockContention(err):
			logger.Debug("Tag is handled elsewhere")
		case errors.Is(err, context.Canceled):
			stage := ""
			if run != nil {
				stage = run.Stage.String()
			}
			logger.Info("Pipeline paused", lf.Stage(stage))
		default:
			logger.Error("Pipeline failed", zap.Error(err))
		}
	}()
}
