package tagsource

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bgt-builder/bgt/internal/config"
	"github.com/bgt-builder/bgt/internal/models"
)

type Source interface {
	Name() string
	// ListTags returns the matching tags oldest first.
	ListTags(ctx context.Context) ([]models.Tag, error)
	TagExists(ctx context.Context, tag string) (bool, error)
}

// New builds the tag source for one configured repository.
func New(conf config.SourceConfig, pattern string, logger *zap.Logger) (Source, error) {
	filter, err := models.NewTagFilter(pattern)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to compile tag pattern")
	}

	switch conf.Kind {
	case config.GithubMode:
		return NewGithub(conf, filter, logger), nil
	case config.GitlabMode:
		return NewGitlab(conf, filter, logger)
	case config.GitMode:
		return NewGit(conf, filter, logger), nil
	default:
		return nil, errors.Wrap(errors.Errorf("Unknown source kind: %s", conf.Kind), fmt.Sprintf("Failed to create tag source for %s", conf.Slug()))
	}
}

func finish(filter *models.TagFilter, tags []models.Tag) []models.Tag {
	tags = filter.Filter(tags)
	models.SortTags(tags)
	return tags
}

func contains(tags []models.Tag, name string) bool {
	for _, tag := range tags {
		if tag.Name == name {
			return true
		}
	}
	return false
}

func timeOr(t time.Time, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
