package tagsource

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/xanzy/go-gitlab"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/errs"
	lf "github.com/bgt-builder/bgt/internal/logfield"
	"github.com/bgt-builder/bgt/internal/models"
)

type Gitlab struct {
	client  *gitlab.Client
	project string
	filter  *models.TagFilter
	logger  *zap.Logger
}

func NewGitlab(conf config.SourceConfig, filter *models.TagFilter, logger *zap.Logger) (*Gitlab, error) {
	options := make([]gitlab.ClientOptionFunc, 0)
	if conf.BaseURL != "" {
		options = append(options, gitlab.WithBaseURL(conf.BaseURL))
	}
	client, err := gitlab.NewClient(conf.Token, options...)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create gitlab client")
	}

	return &Gitlab{
		client:  client,
		project: conf.Slug(),
		filter:  filter,
		logger:  logger.Named("gitlab").With(lf.Source(conf.Slug())),
	}, nil
}

func (g *Gitlab) Name() string {
	return g.project
}

func (g *Gitlab) ListTags(ctx context.Context) ([]models.Tag, error) {
	now := time.Now()
	tags := make([]models.Tag, 0)

	options := &gitlab.ListTagsOptions{ListOptions: gitlab.ListOptions{PerPage: 100}}
	for {
		batch, resp, err := g.client.Tags.ListTags(g.project, options, gitlab.WithContext(ctx))
		if err != nil {
			return nil, g.classify(ctx, resp, err)
		}

		for _, tag := range batch {
			discovered := now
			if tag.Commit != nil && tag.Commit.CreatedAt != nil {
				discovered = *tag.Commit.CreatedAt
			}
			tags = append(tags, models.Tag{Name: tag.Name, DiscoveredAt: discovered})
		}

		if resp.CurrentPage >= resp.TotalPages {
			break
		}
		options.Page = resp.NextPage
	}

	g.logger.Debug("Fetched tags", zap.Int("count", len(tags)))
	return finish(g.filter, tags), nil
}

func (g *Gitlab) TagExists(ctx context.Context, tag string) (bool, error) {
	_, resp, err := g.client.Tags.GetTag(g.project, tag, gitlab.WithContext(ctx))
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, g.classify(ctx, resp, err)
	}
	return true, nil
}

func (g *Gitlab) classify(ctx context.Context, resp *gitlab.Response, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if resp == nil {
		return errs.NewTransientNetworkError(g.Name(), err)
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.NewAuthError(g.Name(), err)
	case code == http.StatusTooManyRequests || code >= 500:
		return errs.NewTransientNetworkError(g.Name(), err)
	}
	return errors.Wrapf(err, "Failed to query %s", g.Name())
}
