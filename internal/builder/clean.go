package builder

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/internal/registry"
)

// Registry tells Clean which tags are still being worked on.
type Registry interface {
	Get(ctx context.Context, tag string) (*models.TagRegistryEntry, error)
	LockInfo(ctx context.Context, name string) (*models.Lock, error)
	Stale(lock *models.Lock) bool
}

type CleanReport struct {
	Removed []string
	Skipped map[string]string
	Failed  map[string]error
}

// inUse returns why the build directory of tag must stay, or "" when it can
// go. The output of a tag is needed until its pipeline is over.
func inUse(ctx context.Context, reg Registry, tag string) (string, error) {
	lock, err := reg.LockInfo(ctx, tag)
	if err != nil {
		return "", err
	}
	if lock != nil && !reg.Stale(lock) {
		return "locked by " + lock.Owner, nil
	}

	entry, err := reg.Get(ctx, tag)
	if errors.Is(err, registry.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !entry.Stage.Terminal() {
		return "pipeline at " + entry.Stage.String(), nil
	}
	return "", nil
}

// Clean removes the guix-build-* scratch directories of a bitcoin checkout.
// Directories of tags with a live lock or an unfinished pipeline are skipped.
// Directories that cannot be removed are reported, the rest are still
// removed. Depends caches and SDKs live outside of the checkout and are never
// touched.
func Clean(ctx context.Context, bitcoinDir string, reg Registry) (*CleanReport, error) {
	matches, err := filepath.Glob(filepath.Join(bitcoinDir, "guix-build-*"))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list build directories")
	}

	report := &CleanReport{
		Removed: make([]string, 0, len(matches)),
		Skipped: make(map[string]string),
		Failed:  make(map[string]error),
	}
	for _, match := range matches {
		info, err := os.Lstat(match)
		if err != nil || !info.IsDir() {
			continue
		}

		tag := "v" + strings.TrimPrefix(filepath.Base(match), "guix-build-")
		reason, err := inUse(ctx, reg, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "Failed to check whether %s is in use", tag)
		}
		if reason != "" {
			report.Skipped[match] = reason
			continue
		}

		if err := os.RemoveAll(match); err != nil {
			report.Failed[match] = err
			continue
		}
		report.Removed = append(report.Removed, match)
	}
	return report, nil
}
