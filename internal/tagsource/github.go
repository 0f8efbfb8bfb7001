package tagsource

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
	"github.com/bgt-builder/bgt/pkg/client/github"
)

type Github struct {
	client *github.Client
	owner  string
	repo   string
	filter *models.TagFilter
	logger *zap.Logger
}

func NewGithub(conf config.SourceConfig, filter *models.TagFilter, logger *zap.Logger) *Github {
	return &Github{
		client: github.NewClient(conf.BaseURL, conf.Token),
		owner:  conf.Owner,
		repo:   conf.Repo,
		filter: filter,
		logger: logger.Named("github").With(lf.Source(conf.Slug())),
	}
}

func (g *Github) Name() string {
	return g.owner + "/" + g.repo
}

func (g *Github) ListTags(ctx context.Context) ([]models.Tag, error) {
	releases, err := g.client.ListReleases(ctx, g.owner, g.repo)
	if err != nil {
		return nil, g.classify(ctx, err)
	}

	now := time.Now()
	tags := make([]models.Tag, 0, len(releases))
	for _, release := range releases {
		if release.Draft {
			continue
		}
		tags = append(tags, models.Tag{
			Name:         release.TagName,
			DiscoveredAt: timeOr(release.PublishedAt, timeOr(release.CreatedAt, now)),
		})
	}
	g.logger.Debug("Fetched releases", zap.Int("count", len(releases)))
	return finish(g.filter, tags), nil
}

func (g *Github) TagExists(ctx context.Context, tag string) (bool, error) {
	ref, err := g.client.TagRef(ctx, g.owner, g.repo, tag)
	if err != nil {
		return false, g.classify(ctx, err)
	}
	return ref != nil, nil
}

func (g *Github) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	statusErr := &github.StatusError{}
	if !errors.As(err, &statusErr) {
		return errs.NewTransientNetworkError(g.Name(), err)
	}

	switch {
	case statusErr.StatusCode == http.StatusTooManyRequests:
		return errs.NewTransientNetworkError(g.Name(), err)
	case statusErr.StatusCode == http.StatusForbidden && statusErr.RateLimitExhausted:
		return errs.NewTransientNetworkError(g.Name(), err)
	case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
		return errs.NewAuthError(g.Name(), err)
	case statusErr.StatusCode >= 500:
		return errs.NewTransientNetworkError(g.Name(), err)
	}
	return errors.Wrapf(err, "Failed to query %s", g.Name())
}
