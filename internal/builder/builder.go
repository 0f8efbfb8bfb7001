package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/workspace"
	"github.com/bgt-builder/bgt/pkg/command"
)

const GuixBuildScript = "contrib/guix/guix-build"

type JobConfig struct {
	Jobs         int
	MultiPackage bool
	MaxJobs      int
}

func JobFromConfig(conf *config.Config) JobConfig {
	return JobConfig{
		Jobs:         conf.Build.Jobs,
		MultiPackage: conf.Build.MultiPackage,
		MaxJobs:      conf.Build.MaxJobs,
	}
}

type BuildResult struct {
	Success   bool
	OutputDir string
	Log       string
	ExitCode  int
	Duration  time.Duration
}

type Executor interface {
	Build(ctx context.Context, tag string, targets []string, job JobConfig) (*BuildResult, error)
}

type Checkouts interface {
	Checkout(ctx context.Context, ref string) (string, error)
}

type SDKProvider interface {
	Ensure(ctx context.Context, tag string) (string, error)
}

// Guix runs contrib/guix/guix-build from the bitcoin checkout.
type Guix struct {
	conf   *config.Config
	repos  Checkouts
	sdks   SDKProvider
	locks  workspace.Locker
	logger *zap.Logger
}

func NewGuix(conf *config.Config, repos Checkouts, sdks SDKProvider, locks workspace.Locker, logger *zap.Logger) *Guix {
	return &Guix{
		conf:   conf,
		repos:  repos,
		sdks:   sdks,
		locks:  locks,
		logger: logger.Named("builder"),
	}
}

// OutputDir is where guix-build leaves the artifacts of a tag.
func OutputDir(bitcoinDir, tag string) string {
	return filepath.Join(bitcoinDir, "guix-build-"+models.TrimVersion(tag), "output")
}

func (g *Guix) environment(targets []string, job JobConfig) map[string]string {
	env := map[string]string{
		"SOURCES_PATH": g.conf.SourcesCacheDir(),
		"BASE_CACHE":   g.conf.BaseCacheDir(),
		"SDK_PATH":     g.conf.SDKsDir(),
	}
	if len(targets) > 0 {
		env["HOSTS"] = strings.Join(targets, " ")
	}

	if job.MultiPackage {
		maxJobs := job.MaxJobs
		if maxJobs <= 0 {
			maxJobs = 8
		}
		env["JOBS"] = "1"
		env["ADDITIONAL_GUIX_COMMON_FLAGS"] = fmt.Sprintf("--max-jobs=%d", maxJobs)
	} else if job.Jobs > 0 {
		env["JOBS"] = strconv.Itoa(job.Jobs)
	}
	return env
}

func (g *Guix) Build(ctx context.Context, tag string, targets []string, job JobConfig) (*BuildResult, error) {
	res, dir, err := g.run(ctx, tag, targets, job)
	if err != nil {
		return res, err
	}

	res.OutputDir = OutputDir(dir, tag)
	if info, err := os.Stat(res.OutputDir); err != nil || !info.IsDir() {
		res.Success = false
		return res, errs.NewBuildFailure(tag, res.ExitCode, res.Log, errors.Errorf("No build output at %s", res.OutputDir))
	}
	return res, nil
}

// Warmup builds the default branch to fill the depends caches. Its output is
// not tracked anywhere.
func (g *Guix) Warmup(ctx context.Context, targets []string, job JobConfig) (*BuildResult, error) {
	ref := g.conf.Build.WarmupRef
	if ref == "" {
		ref = "master"
	}
	res, _, err := g.run(ctx, ref, targets, job)
	return res, err
}

func (g *Guix) run(ctx context.Context, ref string, targets []string, job JobConfig) (*BuildResult, string, error) {
	logger := g.logger.With(lf.Tag(ref))

	// The checkout must stay at ref until guix-build exits.
	release, err := g.locks.Hold(ctx, workspace.LockBitcoin)
	if err != nil {
		return nil, "", errors.Wrap(err, "Failed to lock the bitcoin checkout")
	}
	defer release()
	start := time.Now()

	dir, err := g.repos.Checkout(ctx, ref)
	if err != nil {
		return nil, "", errors.Wrapf(err, "Failed to checkout %s", ref)
	}
	if _, err := g.sdks.Ensure(ctx, ref); err != nil {
		return nil, "", errors.Wrapf(err, "Failed to prepare macOS SDK for %s", ref)
	}

	if err := os.MkdirAll(g.conf.LogsDir(), 0o755); err != nil {
		return nil, "", errors.Wrap(err, "Failed to create logs directory")
	}
	logPath := filepath.Join(g.conf.LogsDir(), ref+"-build.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", errors.Wrap(err, "Failed to open build log")
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "==> guix-build %s started at %s\n", ref, start.Format(time.RFC3339))

	lines := command.NewLogWriter(logger.Named("guix-build"))
	defer lines.Flush()

	cmd := command.New(filepath.Join(dir, GuixBuildScript))
	cmd.Dir = dir
	cmd.Env = g.environment(targets, job)
	cmd.Output = io.MultiWriter(logFile, lines)

	logger.Info("Starting guix build", zap.Strings("hosts", targets), zap.String("log", logPath))

	// A cancelled run must not kill guix halfway, the build always runs to
	// completion.
	out, err := cmd.Run(context.WithoutCancel(ctx))
	res := &BuildResult{
		Log:      logPath,
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
	}
	if err != nil {
		logger.Error("Guix build failed", lf.ExitCode(res.ExitCode), lf.Elapsed(res.Duration), zap.Error(err))
		return res, dir, errs.NewBuildFailure(ref, res.ExitCode, logPath, err)
	}

	res.Success = true
	logger.Info("Guix build finished", lf.Elapsed(res.Duration))
	return res, dir, nil
}
