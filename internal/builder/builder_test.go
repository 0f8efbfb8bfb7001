package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/registry"
)

// fakeGuixBuild fails when the checkout moves while it runs, like the real
// script would build a mix of two trees.
const fakeGuixBuild = `#!/bin/sh
head=$(cat .head)
echo "HEAD=$head HOSTS=$HOSTS JOBS=$JOBS FLAGS=$ADDITIONAL_GUIX_COMMON_FLAGS SDK_PATH=$SDK_PATH"
if [ -n "$FAIL_BUILD" ]; then
	echo "depends failed" >&2
	exit 2
fi
sleep 0.1
if [ "$(cat .head)" != "$head" ]; then
	echo "checkout moved to $(cat .head)" >&2
	exit 3
fi
ver=${head#v}
mkdir -p guix-build-$ver/output/x86_64-linux-gnu
echo binary > guix-build-$ver/output/x86_64-linux-gnu/bitcoin-$ver-x86_64-linux-gnu.tar.gz
`

type fakeCheckouts struct {
	mu         sync.Mutex
	dir        string
	refs       []string
	onCheckout func()
}

func (f *fakeCheckouts) Checkout(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	if f.onCheckout != nil {
		f.onCheckout()
	}
	return f.dir, os.WriteFile(filepath.Join(f.dir, ".head"), []byte(ref), 0o644)
}

type fakeSDKs struct {
	tags []string
}

func (f *fakeSDKs) Ensure(ctx context.Context, tag string) (string, error) {
	f.tags = append(f.tags, tag)
	return "", nil
}

func newGuix(t *testing.T) (*Guix, *fakeCheckouts, *config.Config) {
	t.Helper()
	conf := config.Default()
	conf.Build.Dir = t.TempDir()
	conf.State.Dir = t.TempDir()

	bitcoin := conf.BitcoinDir()
	script := filepath.Join(bitcoin, GuixBuildScript)
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte(fakeGuixBuild), 0o755))

	checkouts := &fakeCheckouts{dir: bitcoin}
	return NewGuix(conf, checkouts, &fakeSDKs{}, openLocks(t, conf), zap.NewNop()), checkouts, conf
}

// openLocks opens the registry as a separate bgt process would.
func openLocks(t *testing.T, conf *config.Config) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(zap.NewNop(), conf.RegistryPath(), registry.Options{StaleAfter: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func TestBuild(t *testing.T) {
	guix, checkouts, conf := newGuix(t)

	res, err := guix.Build(context.Background(), "v27.1", []string{"x86_64-linux-gnu", "arm64-apple-darwin"}, JobConfig{Jobs: 4})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, filepath.Join(conf.BitcoinDir(), "guix-build-27.1", "output"), res.OutputDir)
	require.Equal(t, filepath.Join(conf.LogsDir(), "v27.1-build.log"), res.Log)
	require.Equal(t, []string{"v27.1"}, checkouts.refs)

	log := readLog(t, res.Log)
	require.Contains(t, log, "HEAD=v27.1 HOSTS=x86_64-linux-gnu arm64-apple-darwin JOBS=4 FLAGS= ")
	require.Contains(t, log, "SDK_PATH="+conf.SDKsDir())
}

func TestBuildMultiPackage(t *testing.T) {
	guix, _, _ := newGuix(t)

	res, err := guix.Build(context.Background(), "v27.1", nil, JobConfig{Jobs: 4, MultiPackage: true})
	require.NoError(t, err)
	require.Contains(t, readLog(t, res.Log), "JOBS=1 FLAGS=--max-jobs=8")
}

func TestBuildFailure(t *testing.T) {
	guix, _, _ := newGuix(t)
	t.Setenv("FAIL_BUILD", "1")

	res, err := guix.Build(context.Background(), "v27.1", nil, JobConfig{})
	require.Error(t, err)
	require.True(t, errs.IsBuildFailure(err))
	require.False(t, res.Success)
	require.Equal(t, 2, res.ExitCode)
	require.Contains(t, readLog(t, res.Log), "depends failed")

	failure := &errs.BuildFailure{}
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 2, failure.ExitCode)
}

func TestBuildSurvivesCancellation(t *testing.T) {
	guix, checkouts, _ := newGuix(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checkouts.onCheckout = cancel

	res, err := guix.Build(ctx, "v27.1", nil, JobConfig{})
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestCancelledBuildDoesNotStart(t *testing.T) {
	guix, checkouts, _ := newGuix(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := guix.Build(ctx, "v27.1", nil, JobConfig{})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, checkouts.refs)
}

func TestBuildsOfDifferentTagsTakeTurns(t *testing.T) {
	watcherGuix, checkouts, conf := newGuix(t)
	manualGuix := NewGuix(conf, checkouts, &fakeSDKs{}, openLocks(t, conf), zap.NewNop())

	builds := []struct {
		guix *Guix
		tag  string
	}{
		{watcherGuix, "v28.0rc1"},
		{manualGuix, "v27.2"},
	}
	results := make([]error, len(builds))
	var wg sync.WaitGroup
	for i, build := range builds {
		wg.Add(1)
		go func(i int, guix *Guix, tag string) {
			defer wg.Done()
			_, results[i] = guix.Build(context.Background(), tag, nil, JobConfig{})
		}(i, build.guix, build.tag)
	}
	wg.Wait()

	for i, err := range results {
		require.NoError(t, err, builds[i].tag)
	}
	require.DirExists(t, OutputDir(conf.BitcoinDir(), "v28.0rc1"))
	require.DirExists(t, OutputDir(conf.BitcoinDir(), "v27.2"))
	require.ElementsMatch(t, []string{"v28.0rc1", "v27.2"}, checkouts.refs)
}

func TestWarmupBuildsDefaultBranch(t *testing.T) {
	guix, checkouts, conf := newGuix(t)

	res, err := guix.Warmup(context.Background(), nil, JobConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"master"}, checkouts.refs)
	require.True(t, strings.HasSuffix(res.Log, "master-build.log"))
	require.Empty(t, res.OutputDir)
	require.DirExists(t, conf.LogsDir())
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"guix-build-27.1/output", "guix-build-26.2/distsrc", "depends"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guix-build-notes.txt"), []byte("keep"), 0o644))

	conf := config.Default()
	conf.State.Dir = t.TempDir()
	report, err := Clean(context.Background(), dir, openLocks(t, conf))
	require.NoError(t, err)
	require.Len(t, report.Removed, 2)
	require.Empty(t, report.Skipped)
	require.Empty(t, report.Failed)

	require.NoDirExists(t, filepath.Join(dir, "guix-build-27.1"))
	require.DirExists(t, filepath.Join(dir, "depends"))
	require.FileExists(t, filepath.Join(dir, "guix-build-notes.txt"))
}

func TestCleanKeepsActiveTags(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	for _, name := range []string{"guix-build-28.0rc1/output", "guix-build-27.2/output", "guix-build-27.1/output", "guix-build-26.2/output"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}

	conf := config.Default()
	conf.State.Dir = t.TempDir()
	watcher := openLocks(t, conf)
	require.NoError(t, watcher.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v27.2"}, Stage: models.StageAwaitingSignatures}))
	require.NoError(t, watcher.RecordStage(ctx, models.PipelineRun{Tag: models.Tag{Name: "v27.1"}, Stage: models.StageDone}))
	// v28.0rc1 is being built by the watcher right now.
	acquired, err := watcher.TryAcquire(ctx, "v28.0rc1")
	require.NoError(t, err)
	require.True(t, acquired)

	report, err := Clean(ctx, dir, openLocks(t, conf))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		filepath.Join(dir, "guix-build-27.1"),
		filepath.Join(dir, "guix-build-26.2"),
	}, report.Removed)
	require.Equal(t, map[string]string{
		filepath.Join(dir, "guix-build-28.0rc1"): "locked by " + watcher.Owner(),
		filepath.Join(dir, "guix-build-27.2"):    "pipeline at AwaitingSignatures",
	}, report.Skipped)

	require.DirExists(t, filepath.Join(dir, "guix-build-28.0rc1", "output"))
	require.DirExists(t, filepath.Join(dir, "guix-build-27.2", "output"))
}
