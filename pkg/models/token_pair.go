package models

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenPair is an unordered pair of two distinct ERC20 token addresses.
// The lower address is always stored first so both construction orders
// produce equal values, which makes TokenPair usable as a map key.
type TokenPair struct {
	token0 common.Address
	token1 common.Address
}

// NewTokenPair creates a pair from two addresses in any order.
// Returns false if the addresses are equal.
func NewTokenPair(tokenA, tokenB common.Address) (TokenPair, bool) {
	switch bytes.Compare(tokenA.Bytes(), tokenB.Bytes()) {
	case -1:
		return TokenPair{token0: tokenA, token1: tokenB}, true
	case 1:
		return TokenPair{token0: tokenB, token1: tokenA}, true
	default:
		return TokenPair{}, false
	}
}

// ParseTokenPair parses "0xA,0xB" into a pair.
func ParseTokenPair(s string) (TokenPair, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return TokenPair{}, fmt.Errorf("token pair %q: expected two comma-separated addresses", s)
	}

	addrs := make([]common.Address, 2)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if !common.IsHexAddress(part) {
			return TokenPair{}, fmt.Errorf("token pair %q: invalid address %q", s, part)
		}
		addrs[i] = common.HexToAddress(part)
	}

	pair, ok := NewTokenPair(addrs[0], addrs[1])
	if !ok {
		return TokenPair{}, fmt.Errorf("token pair %q: tokens must differ", s)
	}
	return pair, nil
}

// FirstTokenPair returns the lowest possible pair.
func FirstTokenPair() TokenPair {
	return TokenPair{
		token0: common.Address{},
		token1: common.BytesToAddress([]byte{1}),
	}
}

// Contains reports whether token is one of the pair's members.
func (p TokenPair) Contains(token common.Address) bool {
	return p.token0 == token || p.token1 == token
}

// Other returns the member that is not token, or false if token is not in the pair.
func (p TokenPair) Other(token common.Address) (common.Address, bool) {
	switch token {
	case p.token0:
		return p.token1, true
	case p.token1:
		return p.token0, true
	default:
		return common.Address{}, false
	}
}

// Get returns both tokens, lower address first.
func (p TokenPair) Get() (common.Address, common.Address) {
	return p.token0, p.token1
}

// Tokens returns both tokens as an array, lower address first.
func (p TokenPair) Tokens() [2]common.Address {
	return [2]common.Address{p.token0, p.token1}
}

// Compare orders pairs by their first token, then by their second.
func (p TokenPair) Compare(other TokenPair) int {
	if c := bytes.Compare(p.token0.Bytes(), other.token0.Bytes()); c != 0 {
		return c
	}
	return bytes.Compare(p.token1.Bytes(), other.token1.Bytes())
}

func (p TokenPair) String() string {
	return strings.ToLower(p.token0.Hex()) + "/" + strings.ToLower(p.token1.Hex())
}
