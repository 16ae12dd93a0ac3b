// Package model holds the entities shared across the wallet memory layer:
// registrations, transactions, balances, cost-basis lots, PnL snapshots,
// risk profiles, anomalies and queued writes.
package model

import "time"

// IndexState is the lifecycle state of a wallet registration.
type IndexState string

const (
	StatePending IndexState = "pending"
	StateActive  IndexState = "active"
	StateError   IndexState = "error"
	StatePaused  IndexState = "paused"
)

// TxKind classifies an on-chain transaction.
type TxKind string

const (
	KindTransfer        TxKind = "transfer"
	KindSwap            TxKind = "swap"
	KindStake           TxKind = "stake"
	KindUnstake         TxKind = "unstake"
	KindLiquidityAdd    TxKind = "liquidity-add"
	KindLiquidityRemove TxKind = "liquidity-remove"
	KindVote            TxKind = "vote"
	KindUnknown         TxKind = "unknown"
)

// ValidKind reports whether k is one of the enumerated transaction kinds.
func ValidKind(k TxKind) bool {
	switch k {
	case KindTransfer, KindSwap, KindStake, KindUnstake,
		KindLiquidityAdd, KindLiquidityRemove, KindVote, KindUnknown:
		return true
	}
	return false
}

// Registration is a wallet subscribed to ingestion. Pausing a wallet keeps
// every historical row; unregistration never deletes.
type Registration struct {
	Address          string
	RegisteredAt     time.Time
	State            IndexState
	LastIndexedAt    time.Time
	TransactionCount int64
	Privacy          bool
	Label            string
	AgentID          string
	LastError        string
}

// Transaction is one stored wallet transaction. For privacy-protected
// wallets Amount, Counterparty and Metadata are nil and Encrypted carries
// the sealed payload; otherwise Encrypted is empty.
type Transaction struct {
	Signature    string
	Wallet       string
	Timestamp    time.Time
	Block        *int64
	Kind         TxKind
	Amount       *float64
	TokenMint    string
	TokenSymbol  string
	Counterparty *string
	Fee          *float64
	Metadata     map[string]any
	Privacy      bool
	Encrypted    string // JSON encrypted-blob, empty unless Privacy
}

// Balance is the holding of one token by one wallet, clamped at zero.
type Balance struct {
	Wallet      string
	TokenMint   string
	Amount      float64
	TokenSymbol string
	USDValue    float64
	LastUpdated time.Time
}

// Lot is an append-only cost-basis lot, partially consumable, ordered by
// AcquiredAt ascending for FIFO consumption.
type Lot struct {
	ID           int64
	Wallet       string
	TokenMint    string
	Remaining    float64
	CostPerToken float64
	TotalCost    float64
	AcquiredAt   time.Time
	Signature    string
}

// Period is a PnL aggregation window.
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
	PeriodAll Period = "all"
)

// Periods lists every aggregation window in snapshot order.
var Periods = []Period{Period24h, Period7d, Period30d, PeriodAll}

// Window returns the half-open interval [from, to) covered by the period
// ending at to. The all-time period starts at the zero time.
func (p Period) Window(to time.Time) (time.Time, time.Time) {
	switch p {
	case Period24h:
		return to.Add(-24 * time.Hour), to
	case Period7d:
		return to.Add(-7 * 24 * time.Hour), to
	case Period30d:
		return to.Add(-30 * 24 * time.Hour), to
	default:
		return time.Time{}, to
	}
}

// Realization is one realized-PnL entry produced by consuming lots for a
// sale, persisted so windowed realized figures survive a restart.
type Realization struct {
	Signature string
	Wallet    string
	TokenMint string
	Realized  float64
	Fees      float64
	Timestamp time.Time
}

// TokenPnL is the per-token slice of a snapshot.
type TokenPnL struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	FeesPaid   float64 `json:"feesPaid"`
}

// PnLSnapshot is one computed profit-and-loss snapshot for a wallet+period.
type PnLSnapshot struct {
	Wallet       string
	Period       Period
	Realized     float64
	Unrealized   float64
	Total        float64
	ReturnPct    float64
	FeesPaid     float64
	ByToken      map[string]TokenPnL
	Stale        bool
	CalculatedAt time.Time
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is a flagged transaction with its risk assessment.
type Anomaly struct {
	Signature   string
	Wallet      string
	Kind        string
	Severity    Severity
	Score       float64
	Description string
	Timestamp   time.Time
}

// RiskProfile aggregates risk over a wallet's recent history.
type RiskProfile struct {
	Wallet           string
	Score            float64
	AnomalyCount     int
	HighRiskPct      float64
	CounterpartyRisk float64
	Factors          RiskFactors
	LastAssessment   time.Time
}

// RiskFactors is the boolean factor set contributing to a profile score.
type RiskFactors struct {
	LargeTransfers bool `json:"largeTransfers"`
	HighFrequency  bool `json:"highFrequency"`
	Denylisted     bool `json:"denylisted"`
	RapidBalance   bool `json:"rapidBalance"`
}

// WriteOpKind enumerates queued write operations.
type WriteOpKind string

const (
	OpInsert WriteOpKind = "insert"
	OpUpdate WriteOpKind = "update"
	OpUpsert WriteOpKind = "upsert"
	OpDelete WriteOpKind = "delete"
)

// WriteOp is a generic store mutation, queueable when the store is down.
// Filter is an equality match used by update and delete.
type WriteOp struct {
	ID         string
	Kind       WriteOpKind
	Table      string
	Data       map[string]any
	Filter     map[string]any
	EnqueuedAt time.Time
	Retries    int
}
