package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"poolcache/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// StateRegisteredBlock is the system_state key holding the block of the last
// full pool listing.
const StateRegisteredBlock = "registered_pools_block"

// Store keeps a SQLite journal of listed and refreshed pools.
type Store struct {
	db *sql.DB
}

// PoolRecord represents a pool stored in the database.
type PoolRecord struct {
	Address   string
	Token0    string
	Token1    string
	FeeTier   string
	Liquidity string
	SqrtPrice string
	Tick      string
	TickCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TokenRecord represents a token stored in the database.
type TokenRecord struct {
	Address   string
	Symbol    string
	Decimals  int
	CreatedAt time.Time
}

// TickRecord represents an initialized tick of a refreshed pool.
type TickRecord struct {
	PoolAddress  string
	TickIdx      string
	LiquidityNet string
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tokens (
			address TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			decimals INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS pools (
			address TEXT PRIMARY KEY,
			token0 TEXT NOT NULL,
			token1 TEXT NOT NULL,
			fee_tier TEXT NOT NULL DEFAULT '0',
			liquidity TEXT NOT NULL DEFAULT '0',
			sqrt_price TEXT NOT NULL DEFAULT '0',
			tick TEXT NOT NULL DEFAULT '0',
			tick_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (token0) REFERENCES tokens(address),
			FOREIGN KEY (token1) REFERENCES tokens(address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pools_tokens ON pools(token0, token1)`,
		`CREATE TABLE IF NOT EXISTS pool_ticks (
			pool_address TEXT NOT NULL,
			tick_idx TEXT NOT NULL,
			liquidity_net TEXT NOT NULL,
			PRIMARY KEY (pool_address, tick_idx),
			FOREIGN KEY (pool_address) REFERENCES pools(address)
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Info().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRegisteredPools stores a full pool listing and the block it was taken at.
// Listed pools carry no ticks, so existing tick rows are left alone.
func (s *Store) RecordRegisteredPools(ctx context.Context, registered *models.RegisteredPools) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPools(ctx, tx, registered.Pools, false); err != nil {
		return err
	}
	if err := setSystemState(ctx, tx, StateRegisteredBlock, strconv.FormatUint(registered.FetchedBlockNumber, 10)); err != nil {
		return fmt.Errorf("storing registered block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Debug().
		Uint64("block", registered.FetchedBlockNumber).
		Int("pools", len(registered.Pools)).
		Msg("Recorded registered pools")
	return nil
}

// RecordPools stores refreshed pool snapshots and replaces their ticks.
func (s *Store) RecordPools(ctx context.Context, pools []models.PoolData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPools(ctx, tx, pools, true); err != nil {
		return err
	}

	return tx.Commit()
}

// upsertPools writes the tokens and pools of a batch inside tx. Pools without
// both tokens are skipped.
func upsertPools(ctx context.Context, tx *sql.Tx, pools []models.PoolData, withTicks bool) error {
	tokenStmt, err := tx.PrepareContext(ctx, `INSERT INTO tokens (address, symbol, decimals, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET symbol = excluded.symbol, decimals = excluded.decimals`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer tokenStmt.Close()

	poolStmt, err := tx.PrepareContext(ctx, `INSERT INTO pools (address, token0, token1, fee_tier, liquidity, sqrt_price, tick, tick_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			fee_tier = excluded.fee_tier,
			liquidity = excluded.liquidity,
			sqrt_price = excluded.sqrt_price,
			tick = excluded.tick,
			tick_count = CASE WHEN ? THEN excluded.tick_count ELSE pools.tick_count END,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer poolStmt.Close()

	var deleteTicks, insertTick *sql.Stmt
	if withTicks {
		if deleteTicks, err = tx.PrepareContext(ctx, `DELETE FROM pool_ticks WHERE pool_address = ?`); err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer deleteTicks.Close()

		if insertTick, err = tx.PrepareContext(ctx, `INSERT OR REPLACE INTO pool_ticks (pool_address, tick_idx, liquidity_net) VALUES (?, ?, ?)`); err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer insertTick.Close()
	}

	now := time.Now()
	for _, pool := range pools {
		if pool.Token0 == nil || pool.Token1 == nil {
			log.Debug().Str("pool", pool.GetID()).Msg("Skipping pool without tokens")
			continue
		}

		for _, token := range []*models.Token{pool.Token0, pool.Token1} {
			if _, err := tokenStmt.ExecContext(ctx, addressKey(token.ID), token.Symbol, int(token.Decimals), now); err != nil {
				return fmt.Errorf("inserting token %s: %w", token.ID.Hex(), err)
			}
		}

		address := pool.GetID()
		if _, err := poolStmt.ExecContext(ctx,
			address, addressKey(pool.Token0.ID), addressKey(pool.Token1.ID),
			bigString(pool.FeeTier), bigString(pool.Liquidity), bigString(pool.SqrtPrice), bigString(pool.Tick),
			len(pool.Ticks), now, now, withTicks,
		); err != nil {
			return fmt.Errorf("inserting pool %s: %w", address, err)
		}

		if !withTicks {
			continue
		}
		if _, err := deleteTicks.ExecContext(ctx, address); err != nil {
			return fmt.Errorf("clearing ticks of pool %s: %w", address, err)
		}
		for _, tick := range pool.Ticks {
			if _, err := insertTick.ExecContext(ctx, address, bigString(tick.TickIdx), bigString(tick.LiquidityNet)); err != nil {
				return fmt.Errorf("inserting tick %s: %w", tick.ID, err)
			}
		}
	}

	return nil
}

// GetPoolByAddress retrieves a pool by its address.
func (s *Store) GetPoolByAddress(ctx context.Context, address common.Address) (*PoolRecord, error) {
	query := `SELECT address, token0, token1, fee_tier, liquidity, sqrt_price, tick, tick_count, created_at, updated_at
		FROM pools WHERE address = ?`

	var p PoolRecord
	err := s.db.QueryRowContext(ctx, query, addressKey(address)).Scan(
		&p.Address, &p.Token0, &p.Token1, &p.FeeTier, &p.Liquidity,
		&p.SqrtPrice, &p.Tick, &p.TickCount, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPoolsByPair retrieves all stored pools trading pair.
func (s *Store) GetPoolsByPair(ctx context.Context, pair models.TokenPair) ([]PoolRecord, error) {
	token0, token1 := pair.Get()
	query := `SELECT address, token0, token1, fee_tier, liquidity, sqrt_price, tick, tick_count, created_at, updated_at
		FROM pools
		WHERE (token0 = ? AND token1 = ?) OR (token0 = ? AND token1 = ?)
		ORDER BY address`

	rows, err := s.db.QueryContext(ctx, query,
		addressKey(token0), addressKey(token1), addressKey(token1), addressKey(token0))
	if err != nil {
		return nil, fmt.Errorf("querying pools: %w", err)
	}
	defer rows.Close()

	var pools []PoolRecord
	for rows.Next() {
		var p PoolRecord
		if err := rows.Scan(&p.Address, &p.Token0, &p.Token1, &p.FeeTier, &p.Liquidity,
			&p.SqrtPrice, &p.Tick, &p.TickCount, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		pools = append(pools, p)
	}

	return pools, rows.Err()
}

// GetTicks retrieves the stored ticks of a pool.
func (s *Store) GetTicks(ctx context.Context, pool common.Address) ([]TickRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pool_address, tick_idx, liquidity_net FROM pool_ticks WHERE pool_address = ? ORDER BY CAST(tick_idx AS INTEGER)`,
		addressKey(pool))
	if err != nil {
		return nil, fmt.Errorf("querying ticks: %w", err)
	}
	defer rows.Close()

	var ticks []TickRecord
	for rows.Next() {
		var t TickRecord
		if err := rows.Scan(&t.PoolAddress, &t.TickIdx, &t.LiquidityNet); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		ticks = append(ticks, t)
	}

	return ticks, rows.Err()
}

// GetToken retrieves a token by address.
func (s *Store) GetToken(ctx context.Context, address common.Address) (*TokenRecord, error) {
	query := `SELECT address, symbol, decimals, created_at FROM tokens WHERE address = ?`

	var t TokenRecord
	err := s.db.QueryRowContext(ctx, query, addressKey(address)).Scan(&t.Address, &t.Symbol, &t.Decimals, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetPoolCount returns the total number of pools.
func (s *Store) GetPoolCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pools").Scan(&count)
	return count, err
}

// GetRegisteredBlock returns the block of the last recorded listing, or 0.
func (s *Store) GetRegisteredBlock(ctx context.Context) (uint64, error) {
	value, err := s.GetSystemState(ctx, StateRegisteredBlock)
	if err != nil || value == "" {
		return 0, err
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", StateRegisteredBlock, err)
	}
	return block, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSystemState(ctx context.Context, db execer, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
