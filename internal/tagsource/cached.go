package tagsource

import (
	"context"
	"time"

	"github.com/karlseguin/ccache/v2"

	"github.com/bgt-builder/bgt/internal/models"
)

const listKey = "tags"

// Cached keeps ListTags results for a while. TagExists answers from the cached
// listing when the tag is already there and asks the backend otherwise, so a
// freshly pushed tag is never hidden by the cache.
type Cached struct {
	source Source
	ttl    time.Duration
	cache  *ccache.Cache
}

func NewCached(source Source, ttl time.Duration) *Cached {
	return &Cached{
		source: source,
		ttl:    ttl,
		cache:  ccache.New(ccache.Configure().MaxSize(16)),
	}
}

func (c *Cached) Name() string {
	return c.source.Name()
}

func (c *Cached) ListTags(ctx context.Context) ([]models.Tag, error) {
	item, err := c.cache.Fetch(listKey, c.ttl, func() (interface{}, error) {
		return c.source.ListTags(ctx)
	})
	if err != nil {
		return nil, err
	}
	tags := item.Value().([]models.Tag)
	res := make([]models.Tag, len(tags))
	copy(res, tags)
	return res, nil
}

func (c *Cached) TagExists(ctx context.Context, tag string) (bool, error) {
	if item := c.cache.Get(listKey); item != nil && !item.Expired() {
		if contains(item.Value().([]models.Tag), tag) {
			return true, nil
		}
	}

	key := "exists/" + tag
	if item := c.cache.Get(key); item != nil && !item.Expired() {
		return true, nil
	}
	exists, err := c.source.TagExists(ctx, tag)
	if err != nil {
		return false, err
	}
	if exists {
		c.cache.Set(key, true, c.ttl)
	}
	return exists, nil
}

// Invalidate drops every cached answer.
func (c *Cached) Invalidate() {
	c.cache.Clear()
}

func (c *Cached) Stop() {
	c.cache.Stop()
}
