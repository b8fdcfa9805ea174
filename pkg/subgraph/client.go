// Package subgraph implements the small subset of The Graph's GraphQL API
// needed to run point-in-time, cursor-paginated listings. It is not a general
// purpose GraphQL client.
package subgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"poolcache/pkg/client"
)

// MaxPageSize is the largest `first` argument the hosted indexer accepts.
const MaxPageSize = 1000

// QueryError is returned for any failed request against the indexer:
// transport failures, non-success statuses, decode failures and GraphQL errors.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("subgraph query %s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// ContainsID is implemented by records that can be paginated by id.
type ContainsID interface {
	GetID() string
}

// Client executes GraphQL queries against a single subgraph deployment.
type Client struct {
	url  string
	http *client.HTTPClient
}

// NewClient creates a client for the subgraph `org/name` under baseURL.
func NewClient(baseURL, org, name string, httpClient *client.HTTPClient) (*Client, error) {
	if baseURL == "" || org == "" || name == "" {
		return nil, fmt.Errorf("subgraph base url, org and name are required")
	}
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	full := strings.TrimRight(baseURL, "/") + "/" + org + "/" + name
	if _, err := url.ParseRequestURI(full); err != nil {
		return nil, fmt.Errorf("parsing subgraph url: %w", err)
	}

	return &Client{url: full, http: httpClient}, nil
}

// URL returns the endpoint the client posts to.
func (c *Client) URL() string {
	return c.url
}

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message string `json:"message"`
}

// Query runs a GraphQL query and decodes its `data` object into out.
func (c *Client) Query(ctx context.Context, query string, variables map[string]any, out any) error {
	var resp response
	if err := c.http.PostJSON(ctx, c.url, request{Query: query, Variables: variables}, &resp); err != nil {
		return &QueryError{Op: "request", Err: err}
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return &QueryError{Op: "graphql", Err: errors.New(strings.Join(msgs, "; "))}
	}

	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return &QueryError{Op: "decode", Err: errors.New("response has no data")}
	}

	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &QueryError{Op: "decode", Err: err}
	}

	return nil
}

// decodePage decodes a data object holding exactly one list, e.g. {"pools": [...]}.
func decodePage[T any](data map[string]json.RawMessage) ([]T, error) {
	if len(data) != 1 {
		return nil, &QueryError{Op: "decode", Err: fmt.Errorf("expected one list in data, got %d keys", len(data))}
	}

	var page []T
	for key, raw := range data {
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &QueryError{Op: "decode", Err: fmt.Errorf("decoding %q: %w", key, err)}
		}
	}
	return page, nil
}

// QueryList runs a query whose data object holds a single list and returns it.
func QueryList[T any](ctx context.Context, c *Client, query string, variables map[string]any) ([]T, error) {
	var data map[string]json.RawMessage
	if err := c.Query(ctx, query, variables, &data); err != nil {
		return nil, err
	}
	return decodePage[T](data)
}

// PaginatedQuery lists every record matched by query at a fixed block.
//
// The query must accept $block, $pageSize and $lastId, filter on `id_gt: $lastId`
// and sort ascending by id. Paging stops at the first page shorter than
// pageSize. Any failed page aborts the whole listing.
func PaginatedQuery[T ContainsID](ctx context.Context, c *Client, query string, block uint64, pageSize int) ([]T, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	var (
		result []T
		lastID string
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := QueryList[T](ctx, c, query, map[string]any{
			"block":    block,
			"pageSize": pageSize,
			"lastId":   lastID,
		})
		if err != nil {
			return nil, fmt.Errorf("fetching page after id %q: %w", lastID, err)
		}

		result = append(result, page...)
		if len(page) < pageSize {
			return result, nil
		}
		lastID = page[len(page)-1].GetID()
	}
}
