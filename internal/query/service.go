package query

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/core"
	"LendLedger/internal/state"
)

// QueryService provides read-only access to live core state and the
// persisted event log. Core reads reflect every applied operation
// immediately; event history reads lag by at most one persistence batch.
type QueryService struct {
	core   *core.LedgerCore
	db     *sql.DB
	prices state.PriceProvider
}

func NewQueryService(c *core.LedgerCore, db *sql.DB, prices state.PriceProvider) *QueryService {
	return &QueryService{core: c, db: db, prices: prices}
}

// GetBank returns the current state of one bank.
func (qs *QueryService) GetBank(bankID uuid.UUID) (*BankResponse, error) {
	bank, ok := qs.core.BankSnapshot(bankID)
	if !ok {
		return nil, fmt.Errorf("bank %s not found", bankID)
	}
	return bankResponse(&bank)
}

// ListBanks returns every registered bank in stable order.
func (qs *QueryService) ListBanks() ([]BankResponse, error) {
	ids := qs.core.BankIDs()
	banks := make([]BankResponse, 0, len(ids))
	for _, id := range ids {
		bank, ok := qs.core.BankSnapshot(id)
		if !ok {
			continue
		}
		resp, err := bankResponse(&bank)
		if err != nil {
			return nil, err
		}
		banks = append(banks, *resp)
	}
	return banks, nil
}

func bankResponse(bank *state.Bank) (*BankResponse, error) {
	totalAssets, err := bank.TotalAssetAmount()
	if err != nil {
		return nil, err
	}
	totalLiabs, err := bank.TotalLiabilityAmount()
	if err != nil {
		return nil, err
	}
	utilization, err := bank.Utilization()
	if err != nil {
		return nil, err
	}
	return &BankResponse{
		BankID:               bank.ID,
		GroupID:              bank.Group,
		Mint:                 bank.Mint,
		AssetShareValue:      bank.AssetShareValue,
		LiabilityShareValue:  bank.LiabilityShareValue,
		TotalAssetShares:     bank.TotalAssetShares,
		TotalLiabilityShares: bank.TotalLiabilityShares,
		TotalAssets:          totalAssets,
		TotalLiabilities:     totalLiabs,
		Utilization:          utilization,
		InsuranceFees:        bank.CollectedInsuranceFees,
		GroupFees:            bank.CollectedGroupFees,
		BorrowsDisabled:      bank.Config.BorrowsDisabled,
		LastUpdate:           bank.LastUpdate,
	}, nil
}

// GetAccount returns an account with per-slot amounts derived from the
// current exchange rates.
func (qs *QueryService) GetAccount(accountID uuid.UUID) (*AccountResponse, error) {
	account, ok := qs.core.AccountSnapshot(accountID)
	if !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	resp := &AccountResponse{
		AccountID: account.ID,
		Authority: account.Authority,
		GroupID:   account.Group,
		Disabled:  account.Disabled,
		Balances:  make([]BalanceEntry, 0, 4),
	}
	for _, b := range account.ActiveBalances() {
		entry := BalanceEntry{
			BankID:          b.BankID,
			AssetShares:     b.AssetShares,
			LiabilityShares: b.LiabilityShares,
			LastUpdate:      b.LastUpdate,
		}
		if bank, ok := qs.core.BankSnapshot(b.BankID); ok {
			entry.Mint = bank.Mint
			assetAmount, err := bank.AssetAmountForShares(b.AssetShares)
			if err != nil {
				return nil, err
			}
			liabAmount, err := bank.LiabilityAmountForShares(b.LiabilityShares)
			if err != nil {
				return nil, err
			}
			entry.AssetAmount = assetAmount
			entry.LiabilityAmount = liabAmount
		}
		resp.Balances = append(resp.Balances, entry)
	}
	return resp, nil
}

// GetAccountHealth evaluates one requirement tier against current prices.
func (qs *QueryService) GetAccountHealth(accountID uuid.UUID, req state.RequirementType, now time.Time) (*HealthResponse, error) {
	assets, liabs, err := qs.core.AccountHealth(accountID, req, qs.prices, now)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{
		AccountID:   accountID,
		Requirement: req.String(),
		Assets:      assets,
		Liabilities: liabs,
		Healthy:     !assets.LessThan(liabs),
	}, nil
}

// GetEventHistory returns persisted events, newest first, optionally
// filtered by bank mint.
func (qs *QueryService) GetEventHistory(ctx context.Context, bankMint string, limit int) ([]EventHistoryEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT sequence, event_type, idempotency_key, bank_mint, payload, timestamp
		FROM event_log.events`
	args := []interface{}{}
	if bankMint != "" {
		query += ` WHERE bank_mint = $1`
		args = append(args, bankMint)
	}
	query += fmt.Sprintf(` ORDER BY sequence DESC LIMIT %d`, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EventHistoryEntry
	for rows.Next() {
		var e EventHistoryEntry
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.IdempotencyKey,
			&e.BankMint, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity walks the persisted event log in sequence order and checks
// that each event's prev_hash equals the preceding event's state_hash, and
// that sequences have no gaps.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, state_hash, prev_hash
		FROM event_log.events
		ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := &IntegrityReport{IsHealthy: true}
	var prevSeq int64 = -1
	var prevHash []byte

	for rows.Next() {
		var seq int64
		var stateHash, prev []byte
		if err := rows.Scan(&seq, &stateHash, &prev); err != nil {
			return nil, err
		}
		if prevSeq >= 0 {
			if seq != prevSeq+1 {
				report.SequenceGaps = append(report.SequenceGaps, seq)
				report.IsHealthy = false
			}
			if !bytes.Equal(prev, prevHash) {
				report.HashChainBreaks = append(report.HashChainBreaks, seq)
				report.IsHealthy = false
			}
		}
		prevSeq = seq
		prevHash = stateHash
		report.EventsChecked++
	}
	return report, rows.Err()
}
