package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"poolcache/internal/config"
	"poolcache/internal/logging"
	"poolcache/internal/metrics"
	"poolcache/internal/persistence"
	"poolcache/internal/poolfetch"
	"poolcache/pkg/client"
	"poolcache/pkg/models"
	"poolcache/pkg/subgraph/uniswapv3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const bootstrapTimeout = 10 * time.Minute

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "poolcache",
		Short:        "Uniswap V3 pool cache backed by the subgraph",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "configs/config.yaml", "path to configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the pool cache, keep it warm and fetch the watched pairs",
		RunE:  runService,
	}
	root.AddCommand(runCmd)

	fetchCmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the pools of the given token pairs once and print them as JSON",
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringArray("pair", nil, "token pair as 0xTokenA,0xTokenB (repeatable)")
	root.AddCommand(fetchCmd)

	ticksCmd := &cobra.Command{
		Use:   "ticks",
		Short: "List every tick at the safe block and print them as JSON",
		RunE:  runTicks,
	}
	ticksCmd.Flags().StringArray("pool", nil, "only keep ticks of this pool (repeatable)")
	root.AddCommand(ticksCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the pool journal holds",
		RunE:  runStatus,
	}
	statusCmd.Flags().StringArray("pair", nil, "token pair to list stored pools for (repeatable)")
	statusCmd.Flags().StringArray("pool", nil, "pool address to show stored ticks for (repeatable)")
	root.AddCommand(statusCmd)

	return root
}

// setup loads configuration and configures logging.
func setup(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.Setup(cfg.Logging), nil
}

func newSource(cfg *config.Config) (*uniswapv3.Client, error) {
	httpClient := client.NewHTTPClient(client.Options{
		Timeout:           cfg.Subgraph.Timeout,
		RequestsPerSecond: cfg.Subgraph.RequestsPerSecond,
		Burst:             cfg.Subgraph.Burst,
	})

	source, err := uniswapv3.ForChain(cfg.Chain.ChainID, uniswapv3.Options{
		BaseURL:     cfg.Subgraph.BaseURL,
		PageSize:    cfg.Subgraph.PageSize,
		Deployments: cfg.Subgraph.Deployments,
	}, httpClient)
	if err != nil {
		return nil, err
	}

	log.Info().Uint64("chain_id", cfg.Chain.ChainID).Str("url", source.URL()).Msg("Subgraph client ready")
	return source, nil
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Starting pool cache")

	// Initialize metrics
	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
	}

	opts := []poolfetch.Option{poolfetch.WithMetrics(m)}

	// Initialize persistence
	if cfg.Persistence.Enabled {
		store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")
		opts = append(opts, poolfetch.WithRecorder(store))
	}

	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	pairs, err := cfg.WatchPairs()
	if err != nil {
		return err
	}

	// Build the pool index
	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, bootstrapTimeout)
	fetcher, err := poolfetch.NewAutoUpdating(bootstrapCtx, source, poolfetch.Config{MaxAge: cfg.Cache.MaxAge}, opts...)
	bootstrapCancel()
	if err != nil {
		return err
	}

	if _, err := fetcher.SpawnMaintenanceTask(cfg.Cache.UpdateInterval, cfg.Cache.UpdateSize); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	if len(pairs) > 0 {
		g.Go(func() error {
			log.Info().Int("pairs", len(pairs)).Dur("interval", cfg.Watch.Interval).Msg("Starting watch loop")
			return watchPairs(gCtx, fetcher, pairs, cfg.Watch.Interval)
		})
	}

	g.Go(func() error {
		return logStats(gCtx, fetcher, time.Minute)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	log.Info().Msg("Pool cache shutdown complete")
	return nil
}

// watchPairs fetches pairs every interval until ctx is done. Failed fetches
// are logged and retried on the next tick.
func watchPairs(ctx context.Context, fetcher *poolfetch.AutoUpdatingFetcher, pairs []models.TokenPair, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		startTime := time.Now()
		pools, err := fetcher.Fetch(ctx, pairs)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to fetch watched pairs")
		} else {
			log.Info().
				Int("pools", len(pools)).
				Dur("duration", time.Since(startTime)).
				Msg("Fetched watched pairs")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func logStats(ctx context.Context, fetcher *poolfetch.AutoUpdatingFetcher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := fetcher.Stats()
			log.Info().
				Int("cached_pools", stats.CachedPools).
				Int("indexed_pairs", stats.IndexedPairs).
				Int("indexed_pools", stats.IndexedPools).
				Uint64("index_block", stats.IndexBlock).
				Msg("Cache stats")
		}
	}
}

func parsePairs(values []string) ([]models.TokenPair, error) {
	pairs := make([]models.TokenPair, 0, len(values))
	for _, v := range values {
		pair, err := models.ParseTokenPair(v)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

func runFetch(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	values, _ := cmd.Flags().GetStringArray("pair")
	pairs, err := parsePairs(values)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		return fmt.Errorf("at least one --pair is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	fetcher, err := poolfetch.New(ctx, source, poolfetch.Config{MaxAge: cfg.Cache.MaxAge})
	if err != nil {
		return err
	}

	pools, err := fetcher.Fetch(ctx, pairs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pools)
}

func parseAddresses(values []string) ([]common.Address, error) {
	addrs := make([]common.Address, 0, len(values))
	for _, v := range values {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		addrs = append(addrs, common.HexToAddress(v))
	}
	return addrs, nil
}

func runTicks(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	values, _ := cmd.Flags().GetStringArray("pool")
	pools, err := parseAddresses(values)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	ticks, err := source.Ticks(ctx)
	if err != nil {
		return err
	}

	if len(pools) > 0 {
		ticks = slices.DeleteFunc(ticks, func(t models.TickData) bool {
			return !slices.Contains(pools, t.PoolAddress)
		})
	}

	log.Info().Int("ticks", len(ticks)).Msg("Listed ticks")

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(ticks)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, logCloser, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if !cfg.Persistence.Enabled {
		return errors.New("persistence is disabled")
	}

	values, _ := cmd.Flags().GetStringArray("pair")
	pairs, err := parsePairs(values)
	if err != nil {
		return err
	}
	values, _ = cmd.Flags().GetStringArray("pool")
	poolAddrs, err := parseAddresses(values)
	if err != nil {
		return err
	}

	store, err := persistence.NewStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	count, err := store.GetPoolCount(ctx)
	if err != nil {
		return err
	}
	block, err := store.GetRegisteredBlock(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pools: %d\nregistered block: %d\n", count, block)

	tokens := make(map[string]string)
	tokenLabel := func(address string) (string, error) {
		if label, ok := tokens[address]; ok {
			return label, nil
		}
		token, err := store.GetToken(ctx, common.HexToAddress(address))
		if err != nil {
			return "", err
		}
		label := address
		if token != nil {
			label = fmt.Sprintf("%s(%d)", token.Symbol, token.Decimals)
		}
		tokens[address] = label
		return label, nil
	}

	for _, pair := range pairs {
		records, err := store.GetPoolsByPair(ctx, pair)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %d pools\n", pair, len(records))
		for _, r := range records {
			token0, err := tokenLabel(r.Token0)
			if err != nil {
				return err
			}
			token1, err := tokenLabel(r.Token1)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %s %s/%s fee=%s liquidity=%s tick=%s ticks=%d updated=%s\n",
				r.Address, token0, token1, r.FeeTier, r.Liquidity, r.Tick, r.TickCount, r.UpdatedAt.Format(time.RFC3339))
		}
	}

	for _, address := range poolAddrs {
		pool, err := store.GetPoolByAddress(ctx, address)
		if err != nil {
			return err
		}
		if pool == nil {
			fmt.Fprintf(out, "%s: not stored\n", address.Hex())
			continue
		}
		ticks, err := store.GetTicks(ctx, address)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: liquidity=%s tick=%s ticks=%d updated=%s\n",
			pool.Address, pool.Liquidity, pool.Tick, len(ticks), pool.UpdatedAt.Format(time.RFC3339))
		for _, t := range ticks {
			fmt.Fprintf(out, "  %s liquidityNet=%s\n", t.TickIdx, t.LiquidityNet)
		}
	}
	return nil
}
