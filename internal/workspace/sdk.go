package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/pkg/targz"
)

// SDKs downloads the macOS SDKs guix-build expects below SDK_PATH.
type SDKs struct {
	conf   *config.Config
	client *resty.Client
	logger *zap.Logger
}

func NewSDKs(conf *config.Config, logger *zap.Logger) *SDKs {
	client := resty.New().
		SetTimeout(time.Minute * 30).
		SetRetryCount(3).
		SetRetryWaitTime(time.Second * 5)

	return &SDKs{
		conf:   conf,
		client: client,
		logger: logger.Named("sdk"),
	}
}

// Ensure makes the SDK for tag available and returns its directory. Tags
// without a known SDK are built without one, which only matters for darwin
// targets.
func (s *SDKs) Ensure(ctx context.Context, tag string) (string, error) {
	name, ok := s.conf.SDKFor(tag)
	if !ok {
		s.logger.Warn("No macOS SDK known for tag, skipping SDK setup", lf.Tag(tag))
		return "", nil
	}

	root := s.conf.SDKsDir()
	dir := filepath.Join(root, name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		s.logger.Debug("SDK already present", lf.Tag(tag), lf.Dir(dir))
		return dir, nil
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrap(err, "Failed to create SDK directory")
	}

	url := strings.TrimSuffix(s.conf.Build.SDKBaseURL, "/") + "/" + name + ".tar.gz"
	archive := filepath.Join(root, name+".tar.gz.part")
	defer os.Remove(archive)

	s.logger.Info("Downloading macOS SDK", lf.Tag(tag), zap.String("url", url))
	res, err := s.client.R().
		SetContext(ctx).
		SetOutput(archive).
		Get(url)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to download SDK %s", name)
	}
	if res.IsError() {
		return "", errors.Errorf("Failed to download SDK %s: %s", name, res.Status())
	}

	file, err := os.Open(archive)
	if err != nil {
		return "", errors.Wrap(err, "Failed to open SDK archive")
	}
	defer file.Close()

	// Extract next to the final location so a crash never leaves a partial SDK
	// under its real name.
	staging, err := os.MkdirTemp(root, ".extract-")
	if err != nil {
		return "", errors.Wrap(err, "Failed to create staging directory")
	}
	defer os.RemoveAll(staging)

	if err := targz.ExtractToDir(file, staging); err != nil {
		return "", errors.Wrapf(err, "Failed to extract SDK %s", name)
	}

	extracted := filepath.Join(staging, name)
	if _, err := os.Stat(extracted); err != nil {
		return "", errors.Errorf("SDK archive %s does not contain %s", url, name)
	}
	if err := os.Rename(extracted, dir); err != nil {
		return "", errors.Wrap(err, "Failed to move SDK into place")
	}

	s.logger.Info("SDK ready", lf.Tag(tag), lf.Dir(dir))
	return dir, nil
}
