package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"LendLedger/internal/observability"
)

// Record mirrors core.CoreOutput to avoid an import cycle. The orchestrator
// (cmd/main.go) bridges between core.CoreOutput and this. Liquidations carry
// a second bank and account snapshot.
type Record struct {
	Event   EventRow
	Bank    *BankSnapshotRow
	Account *AccountSnapshotRow

	ExtraBank    *BankSnapshotRow
	ExtraAccount *AccountSnapshotRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the core, so if this worker
// falls behind the core stalls, so no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// batch accumulates events plus the latest snapshot per bank/account. Within
// one flush only the newest snapshot row per entity is written; older rows
// are superseded before they reach Postgres.
type batch struct {
	events   []EventRow
	banks    map[string]BankSnapshotRow
	accounts map[string]AccountSnapshotRow
}

func newBatch(capacity int) *batch {
	return &batch{
		events:   make([]EventRow, 0, capacity),
		banks:    make(map[string]BankSnapshotRow),
		accounts: make(map[string]AccountSnapshotRow),
	}
}

func (b *batch) add(rec Record) {
	b.events = append(b.events, rec.Event)
	b.addBank(rec.Bank)
	b.addBank(rec.ExtraBank)
	b.addAccount(rec.Account)
	b.addAccount(rec.ExtraAccount)
}

func (b *batch) addBank(row *BankSnapshotRow) {
	if row == nil {
		return
	}
	if prev, ok := b.banks[row.BankID]; !ok || row.Sequence > prev.Sequence {
		b.banks[row.BankID] = *row
	}
}

func (b *batch) addAccount(row *AccountSnapshotRow) {
	if row == nil {
		return
	}
	if prev, ok := b.accounts[row.AccountID]; !ok || row.Sequence > prev.Sequence {
		b.accounts[row.AccountID] = *row
	}
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.banks = make(map[string]BankSnapshotRow)
	b.accounts = make(map[string]AccountSnapshotRow)
}

// Run starts the persistence worker loop. It batches incoming records and
// flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := newBatch(pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if len(pending.events) > 0 {
				if err := pw.flush(context.Background(), pending); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case rec, ok := <-pw.inputChan:
			if !ok {
				// Channel closed: flush and exit
				if len(pending.events) > 0 {
					if err := pw.flush(context.Background(), pending); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			pending.add(rec)

			// Flush if batch is full
			if len(pending.events) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				pending.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			// Flush timeout: write whatever we have
			if len(pending.events) > 0 {
				if err := pw.flushWithRetry(ctx, pending); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				pending.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry attempts to flush with exponential backoff. The worker
// NEVER drops events: it retries until the write succeeds or the context
// is cancelled (graceful shutdown).
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, pending *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(pending.events))
			select {
			case <-ctx.Done():
				// Graceful shutdown: attempt one final flush with background
				// context to avoid losing the batch.
				finalErr := pw.flush(context.Background(), pending)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, pending)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, pending *batch) error {
	start := time.Now()

	// Events and snapshots commit in a single transaction
	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, pending.events); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	bankRows := make([]BankSnapshotRow, 0, len(pending.banks))
	for _, r := range pending.banks {
		bankRows = append(bankRows, r)
	}
	if err := pw.writer.WriteBankSnapshots(ctx, tx, bankRows); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_bank_snapshots").Inc()
		}
		return err
	}

	accountRows := make([]AccountSnapshotRow, 0, len(pending.accounts))
	for _, r := range pending.accounts {
		accountRows = append(accountRows, r)
	}
	if err := pw.writer.WriteAccountSnapshots(ctx, tx, accountRows); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_account_snapshots").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	// Record metrics on success
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(pending.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(pending.events)))
		pw.metrics.PersistSnapshotsWritten.Add(float64(len(bankRows) + len(accountRows)))
		if len(pending.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(pending.events[len(pending.events)-1].Sequence))
		}
	}

	return nil
}

// GetWriter returns the underlying writer.
func (pw *PersistenceWorker) GetWriter() *EventLogWriter {
	return pw.writer
}

// MarshalPayload is a convenience wrapper for JSON-encoding event payloads.
func MarshalPayload(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WARN: failed to marshal payload: %v", err)
		return []byte("{}")
	}
	return data
}
