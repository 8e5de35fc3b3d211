package models

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/sentinel/pkg/blockchain"
)

// TokenKind names the asset a transfer targets: a configured token symbol, KindNative or KindAll
type TokenKind string

const (
	// KindNative is the chain's gas currency
	KindNative TokenKind = "native"
	// KindAll sweeps every asset the wallet holds
	KindAll TokenKind = "all"
)

// Token is a configured ERC20 asset, listed in sweep priority order
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
}

// Kind returns the token kind for the symbol
func (t Token) Kind() TokenKind {
	return TokenKind(strings.ToLower(t.Symbol))
}

// Amount is an exact raw value together with its display form
type Amount struct {
	Raw       *big.Int `json:"raw"`
	Formatted string   `json:"formatted"`
}

// NewAmount formats raw with decimals
func NewAmount(raw *big.Int, decimals int32) Amount {
	if raw == nil {
		raw = big.NewInt(0)
	}
	return Amount{
		Raw:       new(big.Int).Set(raw),
		Formatted: blockchain.FormatUnits(raw, decimals),
	}
}

// IsZero reports whether the amount is zero or unset
func (a Amount) IsZero() bool {
	return a.Raw == nil || a.Raw.Sign() == 0
}

// TokenBalance is the balance of one configured token
type TokenBalance struct {
	Token   Token  `json:"token"`
	Balance Amount `json:"balance"`
}

// WalletSnapshot is the result of one scan. It is never mutated after the scanner returns it.
type WalletSnapshot struct {
	Wallet     common.Address `json:"wallet"`
	Native     Amount         `json:"native"`
	Tokens     []TokenBalance `json:"tokens"`
	CapturedAt time.Time      `json:"captured_at"`
	Endpoint   string         `json:"endpoint,omitempty"`
}

// HasTokens reports whether any token balance is nonzero
func (s *WalletSnapshot) HasTokens() bool {
	for _, tb := range s.Tokens {
		if !tb.Balance.IsZero() {
			return true
		}
	}
	return false
}

// ActionKind is the classifier decision
type ActionKind string

const (
	ActionNone      ActionKind = "none"
	ActionTransfer  ActionKind = "transfer"
	ActionEmergency ActionKind = "emergency"
)

// Action is derived from a snapshot and acted on immediately
type Action struct {
	Kind      ActionKind `json:"kind"`
	TokenKind TokenKind  `json:"token_kind,omitempty"`
	Reason    string     `json:"reason"`
}

// Thresholds holds the native balance levels, all in wei
type Thresholds struct {
	// Emergency: native balance above it, with no tokens, is an emergency
	Emergency *big.Int
	// Handoff: native balance above it during an emergency starts a transfer
	Handoff *big.Int
	// NativeReserve: at or below it a wallet counts as empty and native is not swept
	NativeReserve *big.Int
	// GasMinimum: gas errors with a native balance above it are transient
	GasMinimum *big.Int
}
