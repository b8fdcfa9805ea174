// Package uniswapv3 retrieves Uniswap V3 pool and tick data from the
// Uniswap V3 subgraph.
package uniswapv3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"poolcache/pkg/client"
	"poolcache/pkg/models"
	"poolcache/pkg/subgraph"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBaseURL is the hosted-service root under which deployments live.
	DefaultBaseURL = "https://api.thegraph.com/subgraphs/name"

	// MaxReorgBlockCount is how far behind the indexed head a block must be
	// before reorgs are assumed not to affect it.
	MaxReorgBlockCount = 64

	maxConcurrentChunks = 4
)

// ErrUnsupportedChain is returned for chain ids without a known deployment.
var ErrUnsupportedChain = errors.New("unsupported chain")

// Deployment names a subgraph as org/name.
type Deployment struct {
	Org  string `yaml:"org"`
	Name string `yaml:"name"`
}

var defaultDeployments = map[uint64]Deployment{
	1: {Org: "uniswap", Name: "uniswap-v3"},
}

// Options configures which indexer to talk to.
type Options struct {
	BaseURL     string
	PageSize    int
	Deployments map[uint64]Deployment // merged over the built-in table
}

const poolFields = `
	id
	token0 {
		symbol
		id
		decimals
	}
	token1 {
		symbol
		id
		decimals
	}
	feeTier
	liquidity
	sqrtPrice
	tick`

const poolsQuery = `
	query Pools($block: Int, $pageSize: Int, $lastId: ID) {
		pools(
			block: { number: $block }
			first: $pageSize
			orderBy: id
			orderDirection: asc
			where: {
				id_gt: $lastId
				tick_not: null
			}
		) {` + poolFields + `
		}
	}`

const ticksQuery = `
	query Ticks($block: Int, $pageSize: Int, $lastId: ID) {
		ticks(
			block: { number: $block }
			first: $pageSize
			orderBy: id
			orderDirection: asc
			where: {
				id_gt: $lastId
			}
		) {
			id
			tickIdx
			liquidityNet
			poolAddress
		}
	}`

const poolsWithTicksByIDsQuery = `
	query PoolsByIds($ids: [ID!], $pageSize: Int) {
		pools(
			first: $pageSize
			where: {
				id_in: $ids
				tick_not: null
			}
		) {` + poolFields + `
			ticks(first: 1000, where: { liquidityNet_not: "0" }) {
				id
				tickIdx
				liquidityNet
				poolAddress
			}
		}
	}`

const blockNumberQuery = `{
	_meta {
		block { number }
	}
}`

type blockNumberData struct {
	Meta struct {
		Block struct {
			Number uint64 `json:"number"`
		} `json:"block"`
	} `json:"_meta"`
}

// Client issues high-level Uniswap V3 queries.
type Client struct {
	subgraph *subgraph.Client
	pageSize int
}

// ForChain creates a client for the deployment serving chainID.
func ForChain(chainID uint64, opts Options, httpClient *client.HTTPClient) (*Client, error) {
	deployment, ok := opts.Deployments[chainID]
	if !ok {
		deployment, ok = defaultDeployments[chainID]
	}
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnsupportedChain, chainID)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	sg, err := subgraph.NewClient(baseURL, deployment.Org, deployment.Name, httpClient)
	if err != nil {
		return nil, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > subgraph.MaxPageSize {
		pageSize = subgraph.MaxPageSize
	}

	return &Client{subgraph: sg, pageSize: pageSize}, nil
}

// URL returns the subgraph endpoint.
func (c *Client) URL() string {
	return c.subgraph.URL()
}

// RegisteredPools lists every pool known to the subgraph at the current safe block.
// The listing carries no ticks.
func (c *Client) RegisteredPools(ctx context.Context) (*models.RegisteredPools, error) {
	block, err := c.SafeBlock(ctx)
	if err != nil {
		return nil, err
	}

	pools, err := subgraph.PaginatedQuery[models.PoolData](ctx, c.subgraph, poolsQuery, block, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing pools at block %d: %w", block, err)
	}

	return &models.RegisteredPools{
		FetchedBlockNumber: block,
		Pools:              pools,
	}, nil
}

// Ticks lists every tick known to the subgraph at the current safe block.
func (c *Client) Ticks(ctx context.Context) ([]models.TickData, error) {
	block, err := c.SafeBlock(ctx)
	if err != nil {
		return nil, err
	}

	ticks, err := subgraph.PaginatedQuery[models.TickData](ctx, c.subgraph, ticksQuery, block, c.pageSize)
	if err != nil {
		return nil, fmt.Errorf("listing ticks at block %d: %w", block, err)
	}
	return ticks, nil
}

// PoolsWithTicksByIDs fetches the current state of the given pools together with
// their initialized ticks. Ids unknown to the subgraph are silently absent from
// the result.
func (c *Client) PoolsWithTicksByIDs(ctx context.Context, ids []common.Address) ([]models.PoolData, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var chunks [][]common.Address
	for i := 0; i < len(ids); i += c.pageSize {
		end := i + c.pageSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}

	results := make([][]models.PoolData, len(chunks))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChunks)
	for i, chunk := range chunks {
		g.Go(func() error {
			hexIDs := make([]string, len(chunk))
			for j, id := range chunk {
				hexIDs[j] = strings.ToLower(id.Hex())
			}

			pools, err := subgraph.QueryList[models.PoolData](gCtx, c.subgraph, poolsWithTicksByIDsQuery, map[string]any{
				"ids":      hexIDs,
				"pageSize": len(chunk),
			})
			if err != nil {
				return err
			}
			results[i] = pools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching %d pools by id: %w", len(ids), err)
	}

	pools := make([]models.PoolData, 0, len(ids))
	for _, r := range results {
		pools = append(pools, r...)
	}
	return pools, nil
}

// SafeBlock returns a recent block number for which it is safe to assume no
// reorgs will happen: the indexed head minus MaxReorgBlockCount, floored at 0.
func (c *Client) SafeBlock(ctx context.Context) (uint64, error) {
	// Block hashes would let us detect reorgs, but the subgraph always
	// returns null for historic ones.
	var data blockNumberData
	if err := c.subgraph.Query(ctx, blockNumberQuery, nil, &data); err != nil {
		return 0, fmt.Errorf("fetching head block: %w", err)
	}

	head := data.Meta.Block.Number
	if head < MaxReorgBlockCount {
		return 0, nil
	}
	return head - MaxReorgBlockCount, nil
}
