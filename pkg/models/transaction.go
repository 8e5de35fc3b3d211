package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxStatus is the lifecycle state of a submitted transaction
type TxStatus string

const (
	TxSubmitted TxStatus = "submitted"
	TxPending   TxStatus = "pending"
	TxSuccess   TxStatus = "success"
	TxFailed    TxStatus = "failed"
)

// TransactionRecord is one submitted sweep transaction, keyed by hash
type TransactionRecord struct {
	Hash        common.Hash    `json:"hash"`
	Wallet      common.Address `json:"wallet"`
	To          common.Address `json:"to"`
	TokenKind   TokenKind      `json:"token_kind"`
	Amount      string         `json:"amount"`
	Status      TxStatus       `json:"status"`
	GasUsed     uint64         `json:"gas_used,omitempty"`
	BlockNumber uint64         `json:"block_number,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StatusUpdate carries the receipt fields written with a status change
type StatusUpdate struct {
	GasUsed     uint64 `json:"gas_used,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// MonitorTask is a transaction handed to the monitor after a transfer loop
type MonitorTask struct {
	Hash      common.Hash    `json:"hash"`
	Wallet    common.Address `json:"wallet"`
	TokenKind TokenKind      `json:"token_kind"`
	Status    TxStatus       `json:"status"`
	// GasLimit of the submitted transaction, zero when unknown
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

// GasFundingEvent is an append-only record of one funding attempt
type GasFundingEvent struct {
	Target    common.Address `json:"target"`
	Amount    string         `json:"amount"`
	Hash      *common.Hash   `json:"hash,omitempty"`
	Reason    string         `json:"reason"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ErrorEvent is a logged failure, queried for retry advice
type ErrorEvent struct {
	Wallet    common.Address `json:"wallet"`
	Source    string         `json:"source"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Hash      *common.Hash   `json:"hash,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is a free form lifecycle event published to the event sink
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Wallet    common.Address         `json:"wallet"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
