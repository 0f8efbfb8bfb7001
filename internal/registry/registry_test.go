package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/errs"
	"github.com/bgt-builder/bgt/internal/models"
)

func openRegistry(t *testing.T, path string) *Registry {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "registry.db")
	}
	r, err := Open(zap.NewNop(), path, Options{StaleAfter: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func tags(names ...string) []models.Tag {
	res := make([]models.Tag, 0, len(names))
	for _, name := range names {
		res = append(res, models.Tag{Name: name})
	}
	return res
}

func TestObserveReturnsOnlyNewTags(t *testing.T) {
	ctx := context.Background()
	r := openRegistry(t, "")

	baselined, err := r.Baselined(ctx)
	require.NoError(t, err)
	require.False(t, baselined)

	inserted, err := r.RecordBaseline(ctx, tags("v1.0", "v2.0"))
	require.NoError(t, err)
	require.Len(t, inserted, 2)

	baselined, err = r.Baselined(ctx)
	require.NoError(t, err)
	require.True(t, baselined)

	inserted, err = r.Observe(ctx, tags("v1.0", "v2.0", "v3.0"), true)
	require.NoError(t, err)
	require.Equal(t, tags("v3.0"), inserted)

	entry, err := r.Get(ctx, "v1.0")
	require.NoError(t, err)
	require.False(t, entry.Scheduled)
	require.Equal(t, models.StagePending, entry.Stage)

	incomplete, err := r.LoadIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	require.Equal(t, "v3.0", incomplete[0].Tag)

	_, err = r.Get(ctx, "v9.9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordStage(t *testing.T) {
	ctx := context.Background()
	r := openRegistry(t, "")

	clock := time.Unix(1700000000, 0)
	r.now = func() time.Time { return clock }

	_, err := r.Observe(ctx, tags("v27.1"), true)
	require.NoError(t, err)

	run := models.PipelineRun{Tag: models.Tag{Name: "v27.1"}, Stage: models.StageBuilding}
	require.NoError(t, r.RecordStage(ctx, run))

	clock = clock.Add(time.Hour)
	run.Stage = models.StageBuilt
	run.OutputDir = "/srv/bitcoin/guix-build-27.1/output"
	require.NoError(t, r.RecordStage(ctx, run))

	clock = clock.Add(time.Hour)
	run.Attempts = 1
	require.NoError(t, r.RecordStage(ctx, run))

	entry, err := r.Get(ctx, "v27.1")
	require.NoError(t, err)
	require.Equal(t, models.StageBuilt, entry.Stage)
	require.Equal(t, 1, entry.Attempts)
	require.Equal(t, "/srv/bitcoin/guix-build-27.1/output", entry.OutputDir)
	require.True(t, entry.StageSince.Equal(time.Unix(1700000000, 0).Add(time.Hour)))
	require.True(t, entry.UpdatedAt.Equal(clock))

	run.Stage = models.StagePending
	require.Error(t, r.RecordStage(ctx, run))

	run.Stage = models.StageDone
	require.NoError(t, r.RecordStage(ctx, run))
	entry, err = r.Get(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, entry.Completed)

	run.Stage = models.StageFailed
	require.Error(t, r.RecordStage(ctx, run))

	require.NoError(t, r.Reset(ctx, "v27.1"))
	entry, err = r.Get(ctx, "v27.1")
	require.NoError(t, err)
	require.Equal(t, models.StagePending, entry.Stage)
	require.False(t, entry.Completed)
}

func TestRecordStageRegistersManualRuns(t *testing.T) {
	ctx := context.Background()
	r := openRegistry(t, "")

	require.NoError(t, r.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v26.2"}, Stage: models.StageBuilding}))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Scheduled)
	require.Equal(t, models.StageBuilding, entries[0].Stage)
}

func TestBaselineSurvivesManualRunsAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	r := openRegistry(t, path)

	require.NoError(t, r.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v27.0"}, Stage: models.StageDone}))
	baselined, err := r.Baselined(ctx)
	require.NoError(t, err)
	require.False(t, baselined)

	// Registries written before the marker existed count as baselined when
	// they hold unscheduled tags.
	_, err = r.Observe(ctx, tags("v26.0"), false)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	reopened := openRegistry(t, path)
	baselined, err = reopened.Baselined(ctx)
	require.NoError(t, err)
	require.True(t, baselined)
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	registries := []*Registry{openRegistry(t, path), openRegistry(t, path), openRegistry(t, path)}

	winners := atomic.NewInt32(0)
	wg := sync.WaitGroup{}
	for i := 0; i < 12; i++ {
		r := registries[i%len(registries)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.TryAcquire(ctx, "v27.1")
			require.NoError(t, err)
			if ok {
				winners.Inc()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestLockLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	first := openRegistry(t, path)
	second := openRegistry(t, path)

	ok, err := first.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = first.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = second.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.False(t, ok)

	lock, err := second.LockInfo(ctx, "v27.1")
	require.NoError(t, err)
	require.Equal(t, first.Owner(), lock.Owner)

	require.NoError(t, first.Heartbeat(ctx, "v27.1"))
	require.ErrorIs(t, second.Heartbeat(ctx, "v27.1"), ErrLockLost)

	// Releasing someone else's lock is a no-op.
	require.NoError(t, second.Release(ctx, "v27.1"))
	require.NoError(t, first.Release(ctx, "v27.1"))

	ok, err = second.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)

	lock, err = first.LockInfo(ctx, "v26.2")
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestStaleLocksAreReclaimed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	first := openRegistry(t, path)
	second := openRegistry(t, path)

	ok, err := first.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)

	// The holder stopped heartbeating.
	second.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ok, err = second.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, first.Heartbeat(ctx, "v27.1"), ErrLockLost)

	// The holder is a dead process on this host.
	third := openRegistry(t, path)
	third.pid = second.pid + 1
	third.alive = func(pid int) bool { return true }
	ok, err = third.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.False(t, ok)

	third.alive = func(pid int) bool { return false }
	ok, err = third.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	r := openRegistry(t, "")

	_, err := r.Observe(ctx, tags("v27.1"), true)
	require.NoError(t, err)

	ok, err := r.TryAcquire(ctx, "v27.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, errs.IsLockContention(r.Forget(ctx, "v27.1")))

	require.NoError(t, r.Release(ctx, "v27.1"))
	require.NoError(t, r.Forget(ctx, "v27.1"))
	require.ErrorIs(t, r.Forget(ctx, "v27.1"), ErrNotFound)
}

func TestHoldQueuesBehindHolder(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")
	first := openRegistry(t, path)
	second := openRegistry(t, path)

	release, err := first.Hold(ctx, "workspace/bitcoin")
	require.NoError(t, err)

	var held atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		release, err := second.Hold(ctx, "workspace/bitcoin")
		if err != nil {
			return
		}
		held.Store(true)
		release()
	}()

	time.Sleep(100 * time.Millisecond)
	require.False(t, held.Load())

	release()
	release()
	<-done
	require.True(t, held.Load())

	lock, err := first.LockInfo(ctx, "workspace/bitcoin")
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestHoldGivesUpOnCancel(t *testing.T) {
	r := openRegistry(t, "")
	release, err := r.Hold(context.Background(), "workspace/guix.sigs")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Hold(ctx, "workspace/guix.sigs")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
