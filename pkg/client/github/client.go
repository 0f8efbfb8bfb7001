package github

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const DefaultEndpoint = "https://api.github.com"

type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

type Ref struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// StatusError is returned for every non-2xx answer.
type StatusError struct {
	StatusCode         int
	Message            string
	RateLimitExhausted bool
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github responded with %d", e.StatusCode)
	}
	return fmt.Sprintf("github responded with %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	client *resty.Client
}

func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(time.Second*30).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("User-Agent", "bgt")

	if token != "" {
		client.SetAuthToken(token)
	}

	return &Client{client}
}

func checkResponse(res *resty.Response) error {
	if res.IsSuccess() {
		return nil
	}

	statusErr := &StatusError{StatusCode: res.StatusCode()}
	if body, ok := res.Error().(*errorResponse); ok && body != nil {
		statusErr.Message = body.Message
	}
	if remaining := res.Header().Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil && n == 0 {
			statusErr.RateLimitExhausted = true
		}
	}
	return statusErr
}

// ListReleases walks all release pages, newest first as github returns them.
func (c *Client) ListReleases(ctx context.Context, owner, repo string) ([]Release, error) {
	releases := make([]Release, 0)
	for page := 1; ; page++ {
		batch := make([]Release, 0)
		res, err := c.client.R().
			SetContext(ctx).
			SetResult(&batch).
			SetError(&errorResponse{}).
			SetPathParams(map[string]string{"owner": owner, "repo": repo}).
			SetQueryParams(map[string]string{"per_page": "100", "page": strconv.Itoa(page)}).
			Get("/repos/{owner}/{repo}/releases")
		if err != nil {
			return nil, errors.Wrap(err, "Failed to list releases")
		}
		if err := checkResponse(res); err != nil {
			return nil, err
		}

		releases = append(releases, batch...)
		if len(batch) < 100 {
			return releases, nil
		}
	}
}

// TagRef looks up refs/tags/<tag>. A missing tag is reported as nil, nil.
func (c *Client) TagRef(ctx context.Context, owner, repo, tag string) (*Ref, error) {
	ref := &Ref{}
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(ref).
		SetError(&errorResponse{}).
		SetPathParams(map[string]string{"owner": owner, "repo": repo, "tag": tag}).
		Get("/repos/{owner}/{repo}/git/ref/tags/{tag}")
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get tag ref")
	}
	if res.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := checkResponse(res); err != nil {
		return nil, err
	}
	return ref, nil
}
