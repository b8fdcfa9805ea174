package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an ERC20 token as reported by the indexer.
type Token struct {
	ID       common.Address `json:"id"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// PoolData is a Uniswap V3 pool snapshot. Numeric fields are treated as
// opaque values; Tick and Ticks are only meaningful on by-id fetches.
type PoolData struct {
	ID        common.Address `json:"id"`
	Token0    *Token         `json:"token0"`
	Token1    *Token         `json:"token1"`
	FeeTier   *big.Int       `json:"feeTier"`
	Liquidity *big.Int       `json:"liquidity"`
	SqrtPrice *big.Int       `json:"sqrtPrice"`
	Tick      *big.Int       `json:"tick"`
	Ticks     []TickData     `json:"ticks,omitempty"`
}

// TickData is an initialized tick of a Uniswap V3 pool.
type TickData struct {
	ID           string         `json:"id"`
	TickIdx      *big.Int       `json:"tickIdx"`
	LiquidityNet *big.Int       `json:"liquidityNet"`
	PoolAddress  common.Address `json:"poolAddress"`
}

// RegisteredPools is the result of a full point-in-time pool listing.
type RegisteredPools struct {
	FetchedBlockNumber uint64
	Pools              []PoolData
}

// GetID returns the pool id in the indexer's lowercase hex form.
func (p PoolData) GetID() string {
	return strings.ToLower(p.ID.Hex())
}

// GetID returns the tick id.
func (t TickData) GetID() string {
	return t.ID
}

// Pair returns the canonical token pair of the pool.
func (p PoolData) Pair() (TokenPair, error) {
	if p.Token0 == nil {
		return TokenPair{}, fmt.Errorf("token0 does not exist")
	}
	if p.Token1 == nil {
		return TokenPair{}, fmt.Errorf("token1 does not exist")
	}
	pair, ok := NewTokenPair(p.Token0.ID, p.Token1.ID)
	if !ok {
		return TokenPair{}, fmt.Errorf("token0 and token1 are equal (%s)", p.Token0.ID.Hex())
	}
	return pair, nil
}

// Clone returns a deep copy that shares no mutable state with p.
func (p PoolData) Clone() PoolData {
	out := PoolData{
		ID:        p.ID,
		Token0:    cloneToken(p.Token0),
		Token1:    cloneToken(p.Token1),
		FeeTier:   cloneBig(p.FeeTier),
		Liquidity: cloneBig(p.Liquidity),
		SqrtPrice: cloneBig(p.SqrtPrice),
		Tick:      cloneBig(p.Tick),
	}
	if p.Ticks != nil {
		out.Ticks = make([]TickData, len(p.Ticks))
		for i, t := range p.Ticks {
			out.Ticks[i] = TickData{
				ID:           t.ID,
				TickIdx:      cloneBig(t.TickIdx),
				LiquidityNet: cloneBig(t.LiquidityNet),
				PoolAddress:  t.PoolAddress,
			}
		}
	}
	return out
}

func cloneToken(t *Token) *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// bigNumber decodes integers that the indexer encodes as decimal strings.
type bigNumber struct {
	*big.Int
}

func (n *bigNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		n.Int = nil
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	n.Int = v
	return nil
}

func (t *Token) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       common.Address  `json:"id"`
		Symbol   string          `json:"symbol"`
		Decimals json.RawMessage `json:"decimals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	t.ID = raw.ID
	t.Symbol = raw.Symbol
	t.Decimals = 0

	if s := strings.Trim(string(raw.Decimals), `"`); s != "" && s != "null" {
		decimals, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return fmt.Errorf("token %s decimals: %w", raw.ID.Hex(), err)
		}
		t.Decimals = uint8(decimals)
	}
	return nil
}

func (p *PoolData) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        common.Address `json:"id"`
		Token0    *Token         `json:"token0"`
		Token1    *Token         `json:"token1"`
		FeeTier   bigNumber      `json:"feeTier"`
		Liquidity bigNumber      `json:"liquidity"`
		SqrtPrice bigNumber      `json:"sqrtPrice"`
		Tick      bigNumber      `json:"tick"`
		Ticks     []TickData     `json:"ticks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = PoolData{
		ID:        raw.ID,
		Token0:    raw.Token0,
		Token1:    raw.Token1,
		FeeTier:   raw.FeeTier.Int,
		Liquidity: raw.Liquidity.Int,
		SqrtPrice: raw.SqrtPrice.Int,
		Tick:      raw.Tick.Int,
		Ticks:     raw.Ticks,
	}
	return nil
}

func (t *TickData) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string         `json:"id"`
		TickIdx      bigNumber      `json:"tickIdx"`
		LiquidityNet bigNumber      `json:"liquidityNet"`
		PoolAddress  common.Address `json:"poolAddress"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = TickData{
		ID:           raw.ID,
		TickIdx:      raw.TickIdx.Int,
		LiquidityNet: raw.LiquidityNet.Int,
		PoolAddress:  raw.PoolAddress,
	}
	return nil
}
