package blockchain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a private key and the address it controls
type Signer struct {
	key     *ecdsa.PrivateKey
	Address common.Address
}

// NewSigner parses a hex private key, with or without 0x prefix
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}
	return &Signer{
		key:     key,
		Address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Sign signs tx for chainID with the latest signer rules
func (s *Signer) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %v", err)
	}
	return signed, nil
}

// TxRequest describes a transaction before signing
type TxRequest struct {
	Nonce     uint64
	To        common.Address
	Value     *big.Int
	Data      []byte
	Gas       uint64
	FeePerGas *big.Int
}

// MaxCost is the most the transaction can take from the sender
func (r TxRequest) MaxCost() *big.Int {
	cost := GasCost(r.FeePerGas, r.Gas)
	if r.Value != nil {
		cost.Add(cost, r.Value)
	}
	return cost
}

// BuildTx builds a dynamic fee transaction whose tip equals its fee cap,
// so the whole per-gas fee is offered as priority.
func BuildTx(chainID *big.Int, req TxRequest) *types.Transaction {
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	fee := req.FeePerGas
	if fee == nil {
		fee = big.NewInt(0)
	}
	to := req.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(chainID),
		Nonce:     req.Nonce,
		GasTipCap: new(big.Int).Set(fee),
		GasFeeCap: new(big.Int).Set(fee),
		Gas:       req.Gas,
		To:        &to,
		Value:     new(big.Int).Set(value),
		Data:      req.Data,
	})
}
