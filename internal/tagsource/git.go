package tagsource

import (
	"context"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
)

const tagsPrefix = "refs/tags/"

// Git lists tags straight from a remote, like `git ls-remote --tags`.
// Remotes carry no tag dates, so tags are stamped with the listing time.
type Git struct {
	url    string
	auth   transport.AuthMethod
	filter *models.TagFilter
	logger *zap.Logger
}

func NewGit(conf config.SourceConfig, filter *models.TagFilter, logger *zap.Logger) *Git {
	var auth transport.AuthMethod
	if conf.Token != "" {
		auth = &http.BasicAuth{Username: "bgt", Password: conf.Token}
	}
	return &Git{
		url:    conf.URL,
		auth:   auth,
		filter: filter,
		logger: logger.Named("git").With(lf.Source(conf.URL)),
	}
}

func (g *Git) Name() string {
	return g.url
}

func (g *Git) list(ctx context.Context) ([]string, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{g.url},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: g.auth})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
			return nil, errs.NewAuthError(g.Name(), err)
		}
		if errors.Is(err, transport.ErrRepositoryNotFound) {
			return nil, errors.Wrapf(err, "Failed to list %s", g.Name())
		}
		return nil, errs.NewTransientNetworkError(g.Name(), err)
	}

	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.Type() == plumbing.SymbolicReference {
			continue
		}
		name := ref.Name().String()
		if !strings.HasPrefix(name, tagsPrefix) || strings.HasSuffix(name, "^{}") {
			continue
		}
		names = append(names, strings.TrimPrefix(name, tagsPrefix))
	}
	return names, nil
}

func (g *Git) ListTags(ctx context.Context) ([]models.Tag, error) {
	names, err := g.list(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tags := make([]models.Tag, 0, len(names))
	for _, name := range names {
		tags = append(tags, models.Tag{Name: name, DiscoveredAt: now})
	}
	g.logger.Debug("Listed remote tags", zap.Int("count", len(tags)))
	return finish(g.filter, tags), nil
}

func (g *Git) TagExists(ctx context.Context, tag string) (bool, error) {
	names, err := g.list(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == tag {
			return true, nil
		}
	}
	return false, nil
}
