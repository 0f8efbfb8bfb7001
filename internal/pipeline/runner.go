package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bgt-builder/bgt/internal/builder"
	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/metrics"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/notify"
	"github.com/bgt-builder/bgt/internal/registry"
	"github.com/bgt-builder/bgt/internal/signing"
)

var ErrSignatureTimeout = errors.New("Timed out waiting for detached signatures")

// Registry is the part of the tag registry a run needs.
type Registry interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
	Heartbeat(ctx context.Context, name string) error
	LockInfo(ctx context.Context, name string) (*models.Lock, error)
	RecordStage(ctx context.Context, run models.PipelineRun) error
	Reset(ctx context.Context, tag string) error
	Get(ctx context.Context, tag string) (*models.TagRegistryEntry, error)
}

type Options struct {
	// Until is the stage the run stops at, Done when empty.
	Until   models.Stage
	// NoWait checks for detached signatures once instead of polling.
	NoWait  bool
	// Restart sends the tag back to Pending once the lock is held.
	Restart bool
}

type Runner struct {
	conf     *config.Config
	registry Registry
	executor builder.Executor
	gateway  signing.Gateway
	builds   *semaphore.Weighted
	metrics  metrics.Recorder
	notifier notify.Notifier
	policy   RetryPolicy
	logger   *zap.Logger

	active atomic.Int64
	now    func() time.Time
}

func NewRunner(conf *config.Config, reg Registry, executor builder.Executor, gateway signing.Gateway, recorder metrics.Recorder, notifier notify.Notifier, logger *zap.Logger) *Runner {
	slots := conf.Pipeline.MaxConcurrentBuilds
	if slots < 1 {
		slots = 1
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Runner{
		conf:     conf,
		registry: reg,
		executor: executor,
		gateway:  gateway,
		builds:   semaphore.NewWeighted(int64(slots)),
		metrics:  recorder,
		notifier: notifier,
		policy:   PolicyFromConfig(conf),
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
}

// state is one run in flight.
type state struct {
	run    models.PipelineRun
	since  time.Time
	logger *zap.Logger
}

func maxAttempts(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func reached(stage, until models.Stage) bool {
	return stage.Terminal() || stage.Rank() >= until.Rank()
}

// Run drives tag from its persisted stage up to options.Until. It holds the
// tag lock for the whole run and gives up immediately when somebody else
// holds it. On cancellation the last persisted stage is kept.
func (r *Runner) Run(ctx context.Context, tag models.Tag, options Options) (*models.PipelineRun, error) {
	until := options.Until
	if until == "" {
		until = models.StageDone
	}
	logger := r.logger.With(lf.Tag(tag.Name))

	acquired, err := r.registry.TryAcquire(ctx, tag.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to lock %s", tag.Name)
	}
	if !acquired {
		owner := ""
		if lock, err := r.registry.LockInfo(ctx, tag.Name); err == nil && lock != nil {
			owner = lock.Owner
		}
		return nil, &errs.LockContentionError{Name: tag.Name, Owner: owner}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := r.heartbeat(ctx, tag.Name, cancel, logger)
	defer func() {
		stopHeartbeat()
		if err := r.registry.Release(context.WithoutCancel(ctx), tag.Name); err != nil {
			logger.Error("Failed to release tag lock", zap.Error(err))
		}
	}()

	if options.Restart {
		if err := r.registry.Reset(ctx, tag.Name); err != nil && !errors.Is(err, registry.ErrNotFound) {
			return nil, errors.Wrapf(err, "Failed to restart %s", tag.Name)
		}
	}

	s, err := r.load(ctx, tag, logger)
	if err != nil {
		return nil, err
	}

	r.metrics.SetActiveRuns(int(r.active.Inc()))
	defer func() { r.metrics.SetActiveRuns(int(r.active.Dec())) }()

	for !reached(s.run.Stage, until) {
		if ctx.Err() != nil {
			return &s.run, r.cancelled(ctx)
		}

		var err error
		switch s.run.Stage {
		case models.StagePending:
			err = r.build(ctx, s)
		case models.StageBuilt:
			err = r.attest(ctx, s)
		case models.StageAttested:
			err = r.transition(ctx, s, models.StageAwaitingSignatures)
		case models.StageAwaitingSignatures:
			err = r.codesign(ctx, s, options.NoWait)
		default:
			err = errors.Errorf("Cannot continue %s from stage %s", tag.Name, s.run.Stage)
		}
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return &s.run, r.cancelled(ctx)
			}
			return &s.run, err
		}
	}

	if s.run.Stage == models.StageFailed {
		return &s.run, errs.NewStageError(tag.Name, string(s.run.Stage), errors.New(s.run.Error))
	}
	return &s.run, nil
}

func (r *Runner) cancelled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// heartbeat refreshes the tag lock until the returned stop function is
// called. Losing the lock cancels the run.
func (r *Runner) heartbeat(ctx context.Context, tag string, cancel context.CancelCauseFunc, logger *zap.Logger) func() {
	interval := r.conf.Lock.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.registry.Heartbeat(ctx, tag)
				switch {
				case err == nil:
				case errors.Is(err, registry.ErrLockLost):
					logger.Error("Lost tag lock, stopping the run")
					cancel(err)
					return
				default:
					logger.Warn("Failed to refresh tag lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) load(ctx context.Context, tag models.Tag, logger *zap.Logger) (*state, error) {
	entry, err := r.registry.Get(ctx, tag.Name)
	if errors.Is(err, registry.ErrNotFound) {
		return &state{
			run:    models.PipelineRun{Tag: tag, Stage: models.StagePending},
			since:  r.now(),
			logger: logger,
		}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to load %s from registry", tag.Name)
	}

	run := entry.Run()
	resume := run.Stage.ResumeStage()
	if resume != run.Stage {
		logger.Info("Resuming interrupted stage", lf.FromStage(run.Stage.String()), lf.Stage(resume.String()))
	}
	run.Stage = resume
	return &state{run: run, since: entry.StageSince, logger: logger}, nil
}

// transition persists the next stage. The write is not cancellable so a
// finished step is never lost.
func (r *Runner) transition(ctx context.Context, s *state, next models.Stage) error {
	from := s.run.Stage
	s.run.Stage = next
	if err := r.registry.RecordStage(context.WithoutCancel(ctx), s.run); err != nil {
		s.run.Stage = from
		return errors.Wrapf(err, "Failed to record stage %s", next)
	}
	if from != next {
		s.since = r.now()
		r.metrics.IncTransition(from.String(), next.String())
		s.logger.Info("Stage changed", lf.FromStage(from.String()), lf.Stage(next.String()), lf.Attempt(s.run.Attempts))
	}

	if next.Terminal() {
		if err := r.notifier.Notify(context.WithoutCancel(ctx), s.run); err != nil {
			s.logger.Warn("Failed to send notification", zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, s *state, stage models.Stage, cause error) error {
	r.metrics.IncRetryExhausted(stage.String())
	s.run.Error = cause.Error()
	if err := r.transition(ctx, s, models.StageFailed); err != nil {
		return err
	}
	s.logger.Error("Pipeline failed", lf.Stage(stage.String()), zap.Error(cause))
	return errs.NewStageError(s.run.Tag.Name, stage.String(), cause)
}

// retry records a failed attempt and waits before the next one.
func (r *Runner) retry(ctx context.Context, s *state, stage, back models.Stage, cause error) error {
	r.metrics.IncRetry(stage.String())
	s.run.Error = cause.Error()
	if err := r.transition(ctx, s, back); err != nil {
		return err
	}
	delay := r.policy.Delay(s.run.Attempts)
	s.logger.Warn("Stage attempt failed, retrying",
		lf.Stage(stage.String()),
		lf.Attempt(s.run.Attempts),
		zap.String("delay", units.HumanDuration(delay)),
		zap.Error(cause),
	)
	return sleep(ctx, delay)
}

func (r *Runner) build(ctx context.Context, s *state) error {
	limit := maxAttempts(r.conf.Pipeline.MaxBuildAttempts)
	job := builder.JobFromConfig(r.conf)

	for {
		if err := r.builds.Acquire(ctx, 1); err != nil {
			return err
		}
		s.run.Attempts++
		if err := r.transition(ctx, s, models.StageBuilding); err != nil {
			r.builds.Release(1)
			return err
		}

		start := r.now()
		res, err := r.executor.Build(ctx, s.run.Tag.Name, r.conf.Build.Hosts, job)
		r.builds.Release(1)
		r.metrics.ObserveStageDuration(models.StageBuilding.String(), r.now().Sub(start))

		if err == nil {
			s.run.OutputDir = res.OutputDir
			s.run.Attempts = 0
			s.run.Error = ""
			s.logger.Info("Build finished", lf.Dir(res.OutputDir), lf.Elapsed(res.Duration))
			return r.transition(ctx, s, models.StageBuilt)
		}

		if s.run.Attempts >= limit {
			return r.fail(ctx, s, models.StageBuilding, err)
		}
		if err := r.retry(ctx, s, models.StageBuilding, models.StagePending, err); err != nil {
			return err
		}
	}
}

func (r *Runner) attest(ctx context.Context, s *state) error {
	limit := maxAttempts(r.conf.Pipeline.MaxAttestAttempts)

	for {
		s.run.Attempts++
		if err := r.transition(ctx, s, models.StageAttesting); err != nil {
			return err
		}

		start := r.now()
		res, err := r.gateway.Attest(ctx, s.run.Tag.Name, s.run.OutputDir)
		r.metrics.ObserveStageDuration(models.StageAttesting.String(), r.now().Sub(start))

		if err == nil {
			s.run.Attempts = 0
			s.run.Error = ""
			s.logger.Info("Attested build outputs", zap.Bool("skipped", res.Skipped), zap.String("branch", res.Branch))
			return r.transition(ctx, s, models.StageAttested)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.run.Attempts >= limit {
			return r.fail(ctx, s, models.StageAttesting, err)
		}
		if err := r.retry(ctx, s, models.StageAttesting, models.StageAttesting, err); err != nil {
			return err
		}
	}
}

func (r *Runner) signaturePoll() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.conf.Pipeline.SignaturePoll
	bo.MaxInterval = r.conf.Pipeline.SignaturePollMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// awaitSignatures polls until the detached signatures are published. It
// reports false when noWait is set and they are missing.
func (r *Runner) awaitSignatures(ctx context.Context, s *state, noWait bool) (bool, error) {
	required := r.conf.Pipeline.RequiredSignatures
	poll := r.signaturePoll()

	for {
		if timeout := r.conf.Pipeline.SignatureTimeout; !noWait && timeout > 0 && r.now().Sub(s.since) > timeout {
			return false, ErrSignatureTimeout
		}

		ok, err := r.gateway.AwaitDetachedSignatures(ctx, s.run.Tag.Name, s.run.OutputDir, required)
		switch {
		case err == nil && ok:
			return true, nil
		case err != nil && ctx.Err() != nil:
			return false, ctx.Err()
		case err != nil && errs.IsAuth(err):
			return false, err
		case err != nil:
			s.logger.Warn("Failed to check detached signatures", zap.Error(err))
		}
		if noWait {
			return false, nil
		}

		delay := poll.NextBackOff()
		s.logger.Debug("Waiting for detached signatures", zap.String("next_check", units.HumanDuration(delay)))
		if err := sleep(ctx, delay); err != nil {
			return false, err
		}
	}
}

func (r *Runner) codesign(ctx context.Context, s *state, noWait bool) error {
	limit := maxAttempts(r.conf.Pipeline.MaxCodesignAttempts)

	for {
		ok, err := r.awaitSignatures(ctx, s, noWait)
		if errors.Is(err, ErrSignatureTimeout) {
			return r.fail(ctx, s, models.StageAwaitingSignatures, err)
		}
		if err != nil {
			return err
		}
		if !ok {
			return &errs.MissingSignatureError{Tag: s.run.Tag.Name, Missing: r.conf.Pipeline.RequiredSignatures}
		}

		s.run.Attempts++
		if err := r.transition(ctx, s, models.StageCodesigning); err != nil {
			return err
		}

		start := r.now()
		res, err := r.gateway.Codesign(ctx, s.run.Tag.Name, s.run.OutputDir)
		r.metrics.ObserveStageDuration(models.StageCodesigning.String(), r.now().Sub(start))

		if err == nil {
			s.run.Attempts = 0
			s.run.Error = ""
			s.logger.Info("Codesigned build outputs", zap.String("log", res.Log))
			return r.transition(ctx, s, models.StageDone)
		}

		if errs.IsMissingSignature(err) {
			// Signatures disappeared between the check and codesigning.
			s.run.Attempts--
		}
		if s.run.Attempts >= limit {
			return r.fail(ctx, s, models.StageCodesigning, err)
		}
		if noWait {
			s.run.Error = err.Error()
			if err := r.transition(ctx, s, models.StageAwaitingSignatures); err != nil {
				return err
			}
			return err
		}
		if err := r.retry(ctx, s, models.StageCodesigning, models.StageAwaitingSignatures, err); err != nil {
			return err
		}
	}
}
