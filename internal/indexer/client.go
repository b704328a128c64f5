// Package indexer is a client for the GraphQL query service that indexes the
// network: latest extrinsics, data submission aggregates and a health probe.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/faults"
)

// Config holds the query service settings.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.rc = resty.NewWithClient(hc)
	}
}

// Client issues GraphQL queries over HTTP POST.
type Client struct {
	rc  *resty.Client
	log *zap.Logger
}

// New creates a client for cfg.Endpoint.
func New(cfg Config, opts ...Option) *Client {
	c := &Client{
		rc:  resty.New(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.rc.
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

// Query runs query with vars and decodes the data member into out.
//
// Transport failures and 5xx responses are CONNECTION_ERROR faults. GraphQL
// errors and 4xx responses are plain errors.
func (c *Client) Query(ctx context.Context, query string, vars map[string]any, out any) error {
	var body gqlResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(gqlRequest{Query: query, Variables: vars}).
		SetResult(&body).
		SetError(&body).
		Post("")
	if err != nil {
		return faults.Connection("query service unreachable", err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return faults.Connection(fmt.Sprintf("query service returned %d", resp.StatusCode()), nil)
	}
	if len(body.Errors) > 0 {
		msgs := make([]string, len(body.Errors))
		for i, e := range body.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if resp.IsError() {
		return fmt.Errorf("query service returned %d", resp.StatusCode())
	}
	if out == nil {
		return nil
	}
	if len(body.Data) == 0 || string(body.Data) == "null" {
		return fmt.Errorf("graphql: empty data")
	}
	if err := json.Unmarshal(body.Data, out); err != nil {
		return fmt.Errorf("graphql: decode data: %w", err)
	}
	return nil
}
