package query

import (
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

// BankResponse represents a bank for API queries.
type BankResponse struct {
	BankID               uuid.UUID `json:"bank_id"`
	GroupID              uuid.UUID `json:"group_id"`
	Mint                 string    `json:"mint"`
	AssetShareValue      fixed.Dec `json:"asset_share_value"`
	LiabilityShareValue  fixed.Dec `json:"liability_share_value"`
	TotalAssetShares     fixed.Dec `json:"total_asset_shares"`
	TotalLiabilityShares fixed.Dec `json:"total_liability_shares"`
	TotalAssets          fixed.Dec `json:"total_assets"`
	TotalLiabilities     fixed.Dec `json:"total_liabilities"`
	Utilization          fixed.Dec `json:"utilization"`
	InsuranceFees        fixed.Dec `json:"insurance_fees"`
	GroupFees            fixed.Dec `json:"group_fees"`
	BorrowsDisabled      bool      `json:"borrows_disabled"`
	LastUpdate           int64     `json:"last_update"`
}

// BalanceEntry is one active balance slot with derived amounts.
type BalanceEntry struct {
	BankID          uuid.UUID `json:"bank_id"`
	Mint            string    `json:"mint"`
	AssetShares     fixed.Dec `json:"asset_shares"`
	LiabilityShares fixed.Dec `json:"liability_shares"`
	AssetAmount     fixed.Dec `json:"asset_amount"`
	LiabilityAmount fixed.Dec `json:"liability_amount"`
	LastUpdate      int64     `json:"last_update"`
}

// AccountResponse represents an account for API queries.
type AccountResponse struct {
	AccountID uuid.UUID      `json:"account_id"`
	Authority uuid.UUID      `json:"authority"`
	GroupID   uuid.UUID      `json:"group_id"`
	Disabled  bool           `json:"disabled"`
	Balances  []BalanceEntry `json:"balances"`
}

// HealthResponse carries the weighted health components for one tier.
type HealthResponse struct {
	AccountID   uuid.UUID `json:"account_id"`
	Requirement string    `json:"requirement"`
	Assets      fixed.Dec `json:"assets"`
	Liabilities fixed.Dec `json:"liabilities"`
	Healthy     bool      `json:"healthy"`
}

// EventHistoryEntry represents one persisted event for API queries.
type EventHistoryEntry struct {
	Sequence       int64     `json:"sequence"`
	EventType      string    `json:"event_type"`
	IdempotencyKey string    `json:"idempotency_key"`
	BankMint       *string   `json:"bank_mint,omitempty"`
	Payload        []byte    `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

// IntegrityReport is the result of a hash-chain verification pass over the
// persisted event log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
