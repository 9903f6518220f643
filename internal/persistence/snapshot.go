package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
	"LendLedger/internal/state"
)

// SnapshotStore loads the latest bank and account state written by the
// persistence worker, used to rebuild the core on restart.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// balanceSnapshot is the JSON shape of one active balance slot.
type balanceSnapshot struct {
	BankID          uuid.UUID `json:"bank_id"`
	AssetShares     fixed.Dec `json:"asset_shares"`
	LiabilityShares fixed.Dec `json:"liability_shares"`
	LastUpdate      int64     `json:"last_update"`
}

// emissionsSnapshot is the JSON shape of a bank's emissions metadata.
type emissionsSnapshot struct {
	Active    bool      `json:"active"`
	Mint      string    `json:"mint"`
	Rate      int64     `json:"rate"`
	Remaining fixed.Dec `json:"remaining"`
}

// BankSnapshotFromState converts a bank copy into its snapshot row.
func BankSnapshotFromState(b *state.Bank, sequence int64) (*BankSnapshotRow, error) {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal bank config %s: %w", b.Mint, err)
	}
	emissions, err := json.Marshal(emissionsSnapshot{
		Active:    b.EmissionsActive,
		Mint:      b.EmissionsMint,
		Rate:      b.EmissionsRate,
		Remaining: b.EmissionsRemaining,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bank emissions %s: %w", b.Mint, err)
	}
	return &BankSnapshotRow{
		BankID:               b.ID.String(),
		GroupID:              b.Group.String(),
		Mint:                 b.Mint,
		AssetShareValue:      b.AssetShareValue.String(),
		LiabilityShareValue:  b.LiabilityShareValue.String(),
		TotalAssetShares:     b.TotalAssetShares.String(),
		TotalLiabilityShares: b.TotalLiabilityShares.String(),
		InsuranceFees:        b.CollectedInsuranceFees.String(),
		GroupFees:            b.CollectedGroupFees.String(),
		LastUpdate:           b.LastUpdate,
		Sequence:             sequence,
		Config:               cfg,
		Emissions:            emissions,
	}, nil
}

// AccountSnapshotFromState converts an account copy into its snapshot row.
// Only active balance slots are stored.
func AccountSnapshotFromState(a *state.Account, sequence int64) (*AccountSnapshotRow, error) {
	balances := make([]balanceSnapshot, 0, 4)
	for _, b := range a.ActiveBalances() {
		balances = append(balances, balanceSnapshot{
			BankID:          b.BankID,
			AssetShares:     b.AssetShares,
			LiabilityShares: b.LiabilityShares,
			LastUpdate:      b.LastUpdate,
		})
	}
	encoded, err := json.Marshal(balances)
	if err != nil {
		return nil, fmt.Errorf("marshal balances for account %s: %w", a.ID, err)
	}
	return &AccountSnapshotRow{
		AccountID: a.ID.String(),
		Authority: a.Authority.String(),
		GroupID:   a.Group.String(),
		Disabled:  a.Disabled,
		Sequence:  sequence,
		Balances:  encoded,
	}, nil
}

// LoadBanks reads every bank snapshot back into state.
func (s *SnapshotStore) LoadBanks(ctx context.Context) ([]*state.Bank, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bank_id, group_id, mint, asset_share_value, liability_share_value,
		       total_asset_shares, total_liability_shares, insurance_fees, group_fees,
		       last_update, config, emissions
		FROM event_log.bank_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var banks []*state.Bank
	for rows.Next() {
		var r BankSnapshotRow
		if err := rows.Scan(&r.BankID, &r.GroupID, &r.Mint,
			&r.AssetShareValue, &r.LiabilityShareValue,
			&r.TotalAssetShares, &r.TotalLiabilityShares,
			&r.InsuranceFees, &r.GroupFees, &r.LastUpdate, &r.Config, &r.Emissions); err != nil {
			return nil, err
		}
		bank, err := bankFromRow(&r)
		if err != nil {
			return nil, err
		}
		banks = append(banks, bank)
	}
	return banks, rows.Err()
}

func bankFromRow(r *BankSnapshotRow) (*state.Bank, error) {
	id, err := uuid.Parse(r.BankID)
	if err != nil {
		return nil, fmt.Errorf("bank_id %q: %w", r.BankID, err)
	}
	group, err := uuid.Parse(r.GroupID)
	if err != nil {
		return nil, fmt.Errorf("group_id %q: %w", r.GroupID, err)
	}
	var cfg state.BankConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, fmt.Errorf("bank config %s: %w", r.Mint, err)
	}
	var em emissionsSnapshot
	if len(r.Emissions) > 0 {
		if err := json.Unmarshal(r.Emissions, &em); err != nil {
			return nil, fmt.Errorf("bank emissions %s: %w", r.Mint, err)
		}
	}

	bank := &state.Bank{
		ID:                 id,
		Group:              group,
		Mint:               r.Mint,
		Config:             cfg,
		LastUpdate:         r.LastUpdate,
		EmissionsActive:    em.Active,
		EmissionsMint:      em.Mint,
		EmissionsRate:      em.Rate,
		EmissionsRemaining: em.Remaining,
	}
	for _, f := range []struct {
		dst *fixed.Dec
		src string
		fld string
	}{
		{&bank.AssetShareValue, r.AssetShareValue, "asset_share_value"},
		{&bank.LiabilityShareValue, r.LiabilityShareValue, "liability_share_value"},
		{&bank.TotalAssetShares, r.TotalAssetShares, "total_asset_shares"},
		{&bank.TotalLiabilityShares, r.TotalLiabilityShares, "total_liability_shares"},
		{&bank.CollectedInsuranceFees, r.InsuranceFees, "insurance_fees"},
		{&bank.CollectedGroupFees, r.GroupFees, "group_fees"},
	} {
		v, err := fixed.Parse(f.src)
		if err != nil {
			return nil, fmt.Errorf("bank %s %s %q: %w", r.Mint, f.fld, f.src, err)
		}
		*f.dst = v
	}
	return bank, nil
}

// LoadAccounts reads every account snapshot back into state.
func (s *SnapshotStore) LoadAccounts(ctx context.Context) ([]*state.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, authority, group_id, disabled, balances
		FROM event_log.account_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*state.Account
	for rows.Next() {
		var r AccountSnapshotRow
		if err := rows.Scan(&r.AccountID, &r.Authority, &r.GroupID, &r.Disabled, &r.Balances); err != nil {
			return nil, err
		}
		account, err := accountFromRow(&r)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func accountFromRow(r *AccountSnapshotRow) (*state.Account, error) {
	id, err := uuid.Parse(r.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account_id %q: %w", r.AccountID, err)
	}
	authority, err := uuid.Parse(r.Authority)
	if err != nil {
		return nil, fmt.Errorf("authority %q: %w", r.Authority, err)
	}
	group, err := uuid.Parse(r.GroupID)
	if err != nil {
		return nil, fmt.Errorf("group_id %q: %w", r.GroupID, err)
	}

	var balances []balanceSnapshot
	if err := json.Unmarshal(r.Balances, &balances); err != nil {
		return nil, fmt.Errorf("balances for account %s: %w", r.AccountID, err)
	}
	if len(balances) > state.MaxBalanceSlots {
		return nil, fmt.Errorf("account %s has %d balances, max %d",
			r.AccountID, len(balances), state.MaxBalanceSlots)
	}

	account := state.NewAccount(id, authority, group)
	account.Disabled = r.Disabled
	for i, b := range balances {
		account.Balances[i] = state.Balance{
			Active:          true,
			BankID:          b.BankID,
			AssetShares:     b.AssetShares,
			LiabilityShares: b.LiabilityShares,
			LastUpdate:      b.LastUpdate,
		}
	}
	return account, nil
}

// NextSequence returns the sequence the core should resume at: one past the
// highest persisted event, or 0 when the log is empty.
func (s *SnapshotStore) NextSequence(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence) + 1, 0) FROM event_log.events`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// RecentIdempotencyKeys returns the composite dedup keys of the most recent
// events, newest first, for warming the in-memory LRU on startup.
func (s *SnapshotStore) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, fmt.Sprintf("%s:%s", eventType, key))
	}
	return keys, rows.Err()
}

// LastStateHash returns the state hash of the most recent persisted event,
// or ok=false when the log is empty.
func (s *SnapshotStore) LastStateHash(ctx context.Context) ([32]byte, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, err
	}
	if len(raw) != 32 {
		return [32]byte{}, false, fmt.Errorf("state_hash has %d bytes, want 32", len(raw))
	}
	var hash [32]byte
	copy(hash[:], raw)
	return hash, true, nil
}
