package bgt

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bgt-builder/bgt/api"
)

// Client talks to the status server of a running watcher.
type Client struct {
	client *resty.Client
}

func NewClient(endpoint string) *Client {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(time.Second * 10).
		SetRetryCount(3)

	return &Client{client}
}

func (c *Client) LoadStatus() (*api.StatusResponse, error) {
	res := &api.StatusResponse{}
	_, err := c.client.R().
		SetResult(res).
		SetError(res).
		Get("/api/status")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to fetch status: %s", res.Error)
	}
	return res, nil
}

func (c *Client) LoadTag(tag string) (*api.TagStatus, error) {
	res := &api.TagResponse{}
	_, err := c.client.R().
		SetResult(res).
		SetError(res).
		SetPathParam("tag", tag).
		Get("/api/tags/{tag}")
	if err != nil {
		return nil, err
	}

	if !res.Ok {
		return nil, fmt.Errorf("failed to fetch tag %s: %s", tag, res.Error)
	}
	return res.Tag, nil
}
