package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes events and snapshots to Postgres using batch
// inserts. Multi-row INSERT is used as a portable alternative to the COPY
// protocol; switch to pgx CopyFrom if write throughput becomes a problem.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	BankMint       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// BankSnapshotRow represents a row in event_log.bank_snapshots. One row per
// bank, upserted to the latest state after each applied operation.
type BankSnapshotRow struct {
	BankID               string
	GroupID              string
	Mint                 string
	AssetShareValue      string
	LiabilityShareValue  string
	TotalAssetShares     string
	TotalLiabilityShares string
	InsuranceFees        string
	GroupFees            string
	LastUpdate           int64
	Sequence             int64
	Config               []byte // JSON-encoded BankConfig
	Emissions            []byte // JSON-encoded emissions metadata
}

// AccountSnapshotRow represents a row in event_log.account_snapshots.
type AccountSnapshotRow struct {
	AccountID string
	Authority string
	GroupID   string
	Disabled  bool
	Sequence  int64
	Balances  []byte // JSON-encoded active balance slots
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of events to event_log.events using
// multi-row INSERT inside the caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, bank_mint, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.BankMint,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteBankSnapshots upserts the latest per-bank state. Rows carry the
// sequence of the operation that produced them; stale rows (lower sequence)
// never overwrite newer ones.
func (w *EventLogWriter) WriteBankSnapshots(ctx context.Context, tx *sql.Tx, rows []BankSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.bank_snapshots
		(bank_id, group_id, mint, asset_share_value, liability_share_value,
		 total_asset_shares, total_liability_shares, insurance_fees, group_fees,
		 last_update, sequence, config, emissions)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*13)

	for i, r := range rows {
		base := i * 13
		placeholders := make([]string, 13)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.BankID, r.GroupID, r.Mint, r.AssetShareValue, r.LiabilityShareValue,
			r.TotalAssetShares, r.TotalLiabilityShares, r.InsuranceFees, r.GroupFees,
			r.LastUpdate, r.Sequence, r.Config, r.Emissions,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (bank_id) DO UPDATE SET
		asset_share_value = EXCLUDED.asset_share_value,
		liability_share_value = EXCLUDED.liability_share_value,
		total_asset_shares = EXCLUDED.total_asset_shares,
		total_liability_shares = EXCLUDED.total_liability_shares,
		insurance_fees = EXCLUDED.insurance_fees,
		group_fees = EXCLUDED.group_fees,
		last_update = EXCLUDED.last_update,
		sequence = EXCLUDED.sequence,
		config = EXCLUDED.config,
		emissions = EXCLUDED.emissions
		WHERE event_log.bank_snapshots.sequence < EXCLUDED.sequence`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAccountSnapshots upserts the latest per-account state.
func (w *EventLogWriter) WriteAccountSnapshots(ctx context.Context, tx *sql.Tx, rows []AccountSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.account_snapshots
		(account_id, authority, group_id, disabled, sequence, balances)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.AccountID, r.Authority, r.GroupID, r.Disabled, r.Sequence, r.Balances)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (account_id) DO UPDATE SET
		disabled = EXCLUDED.disabled,
		sequence = EXCLUDED.sequence,
		balances = EXCLUDED.balances
		WHERE event_log.account_snapshots.sequence < EXCLUDED.sequence`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
