package watcher

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/pipeline"
	"github.com/bgt-builder/bgt/internal/registry"
)

type fakeSource struct {
	mu    sync.Mutex
	tags  []string
	fails []error
	polls atomic.Int32
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) set(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = tags
}

func (s *fakeSource) ListTags(ctx context.Context) ([]models.Tag, error) {
	s.polls.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fails) > 0 {
		err := s.fails[0]
		s.fails = s.fails[1:]
		return nil, err
	}
	res := make([]models.Tag, 0, len(s.tags))
	for _, tag := range s.tags {
		res = append(res, models.Tag{Name: tag})
	}
	return res, nil
}

func (s *fakeSource) TagExists(ctx context.Context, tag string) (bool, error) {
	return false, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	tags  []string
	block bool
}

func (r *fakeRunner) Run(ctx context.Context, tag models.Tag, options pipeline.Options) (*models.PipelineRun, error) {
	r.mu.Lock()
	r.tags = append(r.tags, tag.Name)
	r.mu.Unlock()

	run := &models.PipelineRun{Tag: tag, Stage: models.StageDone}
	if r.block {
		<-ctx.Done()
		run.Stage = models.StageAwaitingSignatures
		return run, ctx.Err()
	}
	return run, nil
}

func (r *fakeRunner) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := append([]string(nil), r.tags...)
	sort.Strings(res)
	return res
}

func newConfig() *config.Config {
	conf := config.Default()
	conf.Watch.PollInterval = 5 * time.Millisecond
	conf.Lock.HeartbeatInterval = 5 * time.Millisecond
	return conf
}

func openRegistry(t *testing.T, path string) *registry.Registry {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "registry.db")
	}
	reg, err := registry.Open(zap.NewNop(), path, registry.Options{StaleAfter: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func startWatcher(t *testing.T, reg *registry.Registry, source *fakeSource, runner *fakeRunner) *Watcher {
	t.Helper()
	w := NewWatcher(newConfig(), source, reg, runner, nil, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestNewTagIsScheduled(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, "")
	source := &fakeSource{tags: []string{"v1.0", "v2.0"}}
	runner := &fakeRunner{}
	w := startWatcher(t, reg, source, runner)

	require.Eventually(t, func() bool {
		entries, err := reg.List(ctx)
		return err == nil && len(entries) == 2
	}, 5*time.Second, time.Millisecond)

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, entry.Scheduled, entry.Tag)
	}

	source.set("v1.0", "v2.0", "v3.0")
	require.Eventually(t, func() bool {
		return len(runner.started()) > 0
	}, 5*time.Second, time.Millisecond)

	polls := source.polls.Load()
	require.Eventually(t, func() bool {
		return source.polls.Load() > polls+2
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Stop())
	require.Equal(t, []string{"v3.0"}, runner.started())
	require.False(t, w.Running())
	require.False(t, w.LastPoll().IsZero())
}

func TestTagsPublishedWhileDownAreBuilt(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, "")
	_, err := reg.RecordBaseline(ctx, []models.Tag{{Name: "v1.0"}})
	require.NoError(t, err)

	source := &fakeSource{tags: []string{"v1.0", "v2.0"}}
	runner := &fakeRunner{}
	w := startWatcher(t, reg, source, runner)

	require.Eventually(t, func() bool {
		return len(runner.started()) == 1
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())
	require.Equal(t, []string{"v2.0"}, runner.started())
}

func TestIncompleteTagsAreResumed(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, "")
	require.NoError(t, reg.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v1.0"}, Stage: models.StageAwaitingSignatures}))
	require.NoError(t, reg.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v0.9"}, Stage: models.StageDone}))

	source := &fakeSource{tags: []string{"v0.9", "v1.0"}}
	runner := &fakeRunner{}
	w := startWatcher(t, reg, source, runner)

	require.Eventually(t, func() bool {
		return source.polls.Load() > 2
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())
	require.Equal(t, []string{"v1.0"}, runner.started())
}

func TestManualRunBeforeFirstStartKeepsBaseline(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, "")
	require.NoError(t, reg.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v27.0"}, Stage: models.StageDone}))

	source := &fakeSource{tags: []string{"v0.1", "v0.2", "v25.0", "v26.0", "v27.0"}}
	runner := &fakeRunner{}
	w := startWatcher(t, reg, source, runner)

	require.Eventually(t, func() bool {
		return source.polls.Load() > 2
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())
	require.Empty(t, runner.started())

	entries, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, entry := range entries {
		require.Equal(t, entry.Tag == "v27.0", entry.Scheduled, entry.Tag)
	}

	baselined, err := reg.Baselined(ctx)
	require.NoError(t, err)
	require.True(t, baselined)
}

func TestStopWaitsForPipelines(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t, "")
	require.NoError(t, reg.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v1.0"}, Stage: models.StageAwaitingSignatures}))

	runner := &fakeRunner{block: true}
	w := startWatcher(t, reg, &fakeSource{}, runner)

	require.Eventually(t, func() bool {
		return len(runner.started()) == 1
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop())

	lock, err := reg.LockInfo(ctx, LockName)
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	reg := openRegistry(t, "")
	source := &fakeSource{
		tags: []string{"v1.0"},
		fails: []error{
			errs.NewTransientNetworkError("fake", errors.New("connection reset")),
			errs.NewTransientNetworkError("fake", errors.New("connection reset")),
		},
	}
	w := startWatcher(t, reg, source, &fakeRunner{})

	require.Eventually(t, func() bool {
		baselined, err := reg.Baselined(context.Background())
		return err == nil && baselined && w.LastError() == ""
	}, 5*time.Second, time.Millisecond)
	require.True(t, w.Running())
	require.GreaterOrEqual(t, source.polls.Load(), int32(3))
}

func TestAuthErrorStopsWatcher(t *testing.T) {
	reg := openRegistry(t, "")
	source := &fakeSource{fails: []error{errs.NewAuthError("fake", errors.New("401 Unauthorized"))}}
	w := NewWatcher(newConfig(), source, reg, &fakeRunner{}, nil, zap.NewNop())

	err := w.Run(context.Background())
	require.True(t, errs.IsAuth(err))
	require.False(t, w.Running())
}

func TestSingleWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	first := openRegistry(t, path)
	second := openRegistry(t, path)

	startWatcher(t, first, &fakeSource{}, &fakeRunner{})

	w := NewWatcher(newConfig(), &fakeSource{}, second, &fakeRunner{}, nil, zap.NewNop())
	err := w.Start(context.Background())
	require.True(t, errs.IsLockContention(err))
}
