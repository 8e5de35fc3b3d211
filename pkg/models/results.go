package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer loop reasons
const (
	ReasonWalletEmpty   = "wallet_empty"
	ReasonTimeout       = "timeout"
	ReasonMaxRetries    = "max_retries"
	ReasonMaxGasErrors  = "max_gas_errors"
	ReasonGasFundFailed = "gas_fund_failed"
)

// Emergency loop reasons
const (
	ReasonLockExpired         = "lock_expired"
	ReasonTransferStarted     = "transfer_started"
	ReasonTransferUnavailable = "transfer_not_available"
)

// TransferResult is returned by the transfer loop
type TransferResult struct {
	Success      bool                `json:"success"`
	Completed    bool                `json:"completed"`
	Reason       string              `json:"reason"`
	Wallet       common.Address      `json:"wallet"`
	TokenKind    TokenKind           `json:"token_kind"`
	Retries      int                 `json:"retries"`
	GasErrors    int                 `json:"gas_errors"`
	Transactions []TransactionRecord `json:"transactions"`
	MonitorTasks []MonitorTask       `json:"monitor_tasks"`
	Elapsed      time.Duration       `json:"elapsed"`
}

// EmergencyResult is returned by the emergency loop
type EmergencyResult struct {
	Success           bool           `json:"success"`
	TransferTriggered bool           `json:"transfer_triggered"`
	Reason            string         `json:"reason"`
	Iterations        int            `json:"iterations"`
	Wallet            common.Address `json:"wallet"`
}

// FundResult is returned by the gas funder
type FundResult struct {
	Success bool           `json:"success"`
	Target  common.Address `json:"target"`
	Hash    *common.Hash   `json:"hash,omitempty"`
	Amount  string         `json:"amount"`
	Status  TxStatus       `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// FundReport summarizes a CheckAndFund pass
type FundReport struct {
	Checked int          `json:"checked"`
	Funded  int          `json:"funded"`
	Skipped int          `json:"skipped"`
	Errors  []string     `json:"errors"`
	Results []FundResult `json:"results"`
}

// MonitorOutcome is the final state of one monitored transaction
type MonitorOutcome struct {
	Task        MonitorTask  `json:"task"`
	Status      TxStatus     `json:"status"`
	Attempts    int          `json:"attempts"`
	GasUsed     uint64       `json:"gas_used,omitempty"`
	BlockNumber uint64       `json:"block_number,omitempty"`
	Advice      *RetryAdvice `json:"advice,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// MonitorSummary aggregates a MonitorTransactions run
type MonitorSummary struct {
	Total    int              `json:"total"`
	Success  int              `json:"success"`
	Failed   int              `json:"failed"`
	Pending  int              `json:"pending"`
	Outcomes []MonitorOutcome `json:"outcomes"`
}

// RetryAdvice is the monitor's recommendation after a failed transaction
type RetryAdvice struct {
	ShouldRetry bool   `json:"should_retry"`
	Reason      string `json:"reason"`
	Failures    int    `json:"failures"`
}
