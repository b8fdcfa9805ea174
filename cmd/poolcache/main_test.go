package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"poolcache/internal/persistence"
	"poolcache/internal/poolfetch"
	"poolcache/pkg/client"
	"poolcache/pkg/models"
	"poolcache/pkg/subgraph/uniswapv3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const (
	tokenA = "0x0000000000000000000000000000000000000001"
	tokenB = "0x0000000000000000000000000000000000000002"
	poolAB = "0x00000000000000000000000000000000000000aa"
	poolBC = "0x00000000000000000000000000000000000000bb"
)

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// fakeSubgraph serves two pools and their ticks and counts by-id refreshes.
type fakeSubgraph struct {
	mu      sync.Mutex
	byIDReq int
}

func (f *fakeSubgraph) byIDRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byIDReq
}

func fakePoolJSON(id, token0, token1 string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"token0": {"id": %q, "symbol": "A", "decimals": "18"},
		"token1": {"id": %q, "symbol": "B", "decimals": "6"},
		"feeTier": "3000", "liquidity": "1000", "sqrtPrice": "2", "tick": "3"
	}`, id, token0, token1)
}

func (f *fakeSubgraph) pools() map[string]string {
	return map[string]string{
		poolAB: fakePoolJSON(poolAB, tokenA, tokenB),
		poolBC: fakePoolJSON(poolBC, tokenB, "0x0000000000000000000000000000000000000003"),
	}
}

func (f *fakeSubgraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req gqlRequest
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	pools := f.pools()
	switch {
	case strings.Contains(req.Query, "_meta"):
		w.Write([]byte(`{"data": {"_meta": {"block": {"number": 1000}}}}`))

	case strings.Contains(req.Query, "PoolsByIds"):
		f.byIDReq++
		var items []string
		for _, id := range req.Variables["ids"].([]any) {
			if p, ok := pools[id.(string)]; ok {
				items = append(items, p)
			}
		}
		fmt.Fprintf(w, `{"data": {"pools": [%s]}}`, strings.Join(items, ","))

	case strings.Contains(req.Query, "query Pools("):
		if req.Variables["lastId"].(string) != "" {
			w.Write([]byte(`{"data": {"pools": []}}`))
			return
		}
		fmt.Fprintf(w, `{"data": {"pools": [%s, %s]}}`, pools[poolAB], pools[poolBC])

	case strings.Contains(req.Query, "query Ticks("):
		if req.Variables["lastId"].(string) != "" {
			w.Write([]byte(`{"data": {"ticks": []}}`))
			return
		}
		fmt.Fprintf(w, `{"data": {"ticks": [
			{"id": "%[1]s#-60", "tickIdx": "-60", "liquidityNet": "100", "poolAddress": %[1]q},
			{"id": "%[1]s#60", "tickIdx": "60", "liquidityNet": "-100", "poolAddress": %[1]q},
			{"id": "%[2]s#0", "tickIdx": "0", "liquidityNet": "5", "poolAddress": %[2]q}
		]}}`, poolAB, poolBC)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func subgraphConfig(t *testing.T, f *fakeSubgraph) string {
	t.Helper()
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return writeConfig(t, fmt.Sprintf("subgraph:\n  base_url: %s\nlogging:\n  level: error\n", server.URL))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48,0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2,0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, pairs[0], pairs[1])

	_, err = parsePairs([]string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"})
	require.Error(t, err)

	pairs, err = parsePairs(nil)
	require.NoError(t, err)
	require.Empty(t, pairs)
}

func TestParseAddresses(t *testing.T) {
	addrs, err := parseAddresses([]string{poolAB})
	require.NoError(t, err)
	require.Equal(t, []common.Address{common.HexToAddress(poolAB)}, addrs)

	_, err = parseAddresses([]string{"0x123"})
	require.Error(t, err)
}

func TestFetchCommandPrintsPools(t *testing.T) {
	f := &fakeSubgraph{}
	configPath := subgraphConfig(t, f)

	out, err := execute(t, "--config", configPath, "fetch", "--pair", tokenB+","+tokenA)
	require.NoError(t, err)

	var pools []struct {
		ID        common.Address `json:"id"`
		Liquidity *big.Int       `json:"liquidity"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &pools))
	require.Len(t, pools, 1)
	require.Equal(t, common.HexToAddress(poolAB), pools[0].ID)
	require.Equal(t, int64(1000), pools[0].Liquidity.Int64())
	require.Equal(t, 1, f.byIDRequests())
}

func TestFetchCommandRequiresPair(t *testing.T) {
	configPath := subgraphConfig(t, &fakeSubgraph{})

	_, err := execute(t, "--config", configPath, "fetch")
	require.Error(t, err)
}

func TestTicksCommandFiltersByPool(t *testing.T) {
	configPath := subgraphConfig(t, &fakeSubgraph{})

	out, err := execute(t, "--config", configPath, "ticks")
	require.NoError(t, err)
	var ticks []models.TickData
	require.NoError(t, json.Unmarshal([]byte(out), &ticks))
	require.Len(t, ticks, 3)

	out, err = execute(t, "--config", configPath, "ticks", "--pool", poolAB)
	require.NoError(t, err)
	ticks = nil
	require.NoError(t, json.Unmarshal([]byte(out), &ticks))
	require.Len(t, ticks, 2)
	for _, tick := range ticks {
		require.Equal(t, common.HexToAddress(poolAB), tick.PoolAddress)
	}
}

func TestStatusRequiresPersistence(t *testing.T) {
	configPath := writeConfig(t, "logging:\n  level: error\n")

	_, err := execute(t, "--config", configPath, "status")
	require.ErrorContains(t, err, "persistence is disabled")
}

func TestStatusShowsStoredPools(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "poolcache.db")
	store, err := persistence.NewStore(dbPath)
	require.NoError(t, err)

	require.NoError(t, store.RecordRegisteredPools(context.Background(), &models.RegisteredPools{
		FetchedBlockNumber: 936,
		Pools: []models.PoolData{{
			ID:        common.HexToAddress(poolAB),
			Token0:    &models.Token{ID: common.HexToAddress(tokenA), Symbol: "USDC", Decimals: 6},
			Token1:    &models.Token{ID: common.HexToAddress(tokenB), Symbol: "WETH", Decimals: 18},
			FeeTier:   big.NewInt(500),
			Liquidity: big.NewInt(42),
			SqrtPrice: big.NewInt(7),
			Tick:      big.NewInt(-10),
		}},
	}))
	require.NoError(t, store.RecordPools(context.Background(), []models.PoolData{{
		ID:        common.HexToAddress(poolAB),
		Token0:    &models.Token{ID: common.HexToAddress(tokenA), Symbol: "USDC", Decimals: 6},
		Token1:    &models.Token{ID: common.HexToAddress(tokenB), Symbol: "WETH", Decimals: 18},
		FeeTier:   big.NewInt(500),
		Liquidity: big.NewInt(43),
		SqrtPrice: big.NewInt(7),
		Tick:      big.NewInt(-10),
		Ticks: []models.TickData{{
			ID:           poolAB + "#-60",
			TickIdx:      big.NewInt(-60),
			LiquidityNet: big.NewInt(100),
			PoolAddress:  common.HexToAddress(poolAB),
		}},
	}}))
	require.NoError(t, store.Close())

	configPath := writeConfig(t, fmt.Sprintf("persistence:\n  enabled: true\n  sqlite_path: %s\nlogging:\n  level: error\n", dbPath))

	out, err := execute(t, "--config", configPath, "status",
		"--pair", tokenA+","+tokenB,
		"--pool", poolAB,
		"--pool", poolBC,
	)
	require.NoError(t, err)

	require.Contains(t, out, "pools: 1\n")
	require.Contains(t, out, "registered block: 936\n")
	require.Contains(t, out, "USDC(6)/WETH(18) fee=500 liquidity=43")
	require.Contains(t, out, poolAB+": liquidity=43 tick=-10 ticks=1")
	require.Contains(t, out, "  -60 liquidityNet=100\n")
	require.Contains(t, out, common.HexToAddress(poolBC).Hex()+": not stored\n")
}

func TestWatchPairsRefreshesOnNextTick(t *testing.T) {
	f := &fakeSubgraph{}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	source, err := uniswapv3.ForChain(1, uniswapv3.Options{BaseURL: server.URL}, client.NewHTTPClient(client.Options{}))
	require.NoError(t, err)

	fetcher, err := poolfetch.NewAutoUpdating(context.Background(), source, poolfetch.Config{MaxAge: time.Nanosecond})
	require.NoError(t, err)

	pairs, err := parsePairs([]string{tokenA + "," + tokenB})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- watchPairs(ctx, fetcher, pairs, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return f.byIDRequests() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not stop")
	}
	require.Equal(t, 1, fetcher.Stats().CachedPools)
}
