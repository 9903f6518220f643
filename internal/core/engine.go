package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"LendLedger/internal/event"
	"LendLedger/internal/fixed"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"
)

// LedgerCore is the transaction coordinator. Every operation is one atomic
// unit against one account and one or two banks: accrue interest, mutate
// shares, check health, then commit or restore the pre-operation snapshots.
// There is no partial application and no internal retry; concurrency is
// per-resource exclusive locks held for the whole unit.
type LedgerCore struct {
	mu       sync.RWMutex
	banks    map[uuid.UUID]*bankEntry
	accounts map[uuid.UUID]*accountEntry

	// seqMu serializes sequence assignment, the hash chain and channel
	// emission so log order always matches chain order.
	seqMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type bankEntry struct {
	mu   sync.Mutex
	bank *state.Bank
}

type accountEntry struct {
	mu      sync.Mutex
	account *state.Account
}

// CoreOutput is one applied operation ready for persistence and projection.
// Liquidations touch a second account and possibly a second bank; those ride
// along in the Extra fields so persisted snapshots stay complete.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Payload  event.Event
	Bank     *state.Bank
	Account  *state.Account

	ExtraBank    *state.Bank
	ExtraAccount *state.Account
}

// OperationResult is the outbound contract of every amount-moving operation:
// the fee-adjusted gross amount the custody layer must transfer and the
// post-accrual bank state.
type OperationResult struct {
	Amount      fixed.Dec
	GrossAmount fixed.Dec
	Bank        state.Bank
}

// ErrDuplicateOperation marks an operation whose idempotency key was already
// applied; the ledger is unchanged.
var ErrDuplicateOperation = fmt.Errorf("core: duplicate operation")

const defaultIdempotencyCapacity = 1_000_000

func NewLedgerCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *LedgerCore {
	return &LedgerCore{
		banks:          make(map[uuid.UUID]*bankEntry),
		accounts:       make(map[uuid.UUID]*accountEntry),
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(defaultIdempotencyCapacity, dbChecker),
		metrics:        metrics,
		logger:         logger,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// --- Registry ---

func (c *LedgerCore) bankEntry(id uuid.UUID) (*bankEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.banks[id]
	if !ok {
		return nil, fmt.Errorf("core: unknown bank %s", id)
	}
	return e, nil
}

func (c *LedgerCore) accountEntry(id uuid.UUID) (*accountEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.accounts[id]
	if !ok {
		return nil, fmt.Errorf("core: unknown account %s", id)
	}
	return e, nil
}

// bankLookup serves the risk engine. Callers hold the account lock and the
// locks of every bank the account references (see lockAccountAndBanks), so
// the returned pointers are read under those locks; they stay valid because
// entries are never removed.
func (c *LedgerCore) bankLookup(id uuid.UUID) (*state.Bank, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.banks[id]
	if !ok {
		return nil, false
	}
	return e.bank, true
}

// LoadBank seeds state during snapshot recovery, before the core serves
// operations.
func (c *LedgerCore) LoadBank(b *state.Bank) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.banks[b.ID] = &bankEntry{bank: b}
}

// LoadAccount seeds state during snapshot recovery.
func (c *LedgerCore) LoadAccount(a *state.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[a.ID] = &accountEntry{account: a}
}

// BankSnapshot returns a copy of the bank's current state.
func (c *LedgerCore) BankSnapshot(id uuid.UUID) (state.Bank, bool) {
	e, err := c.bankEntry(id)
	if err != nil {
		return state.Bank{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.bank, true
}

// AccountSnapshot returns a copy of the account's current state.
func (c *LedgerCore) AccountSnapshot(id uuid.UUID) (state.Account, bool) {
	e, err := c.accountEntry(id)
	if err != nil {
		return state.Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.account, true
}

// AccountHealth computes the account's weighted collateral and liability
// values for one requirement tier at the given time.
func (c *LedgerCore) AccountHealth(id uuid.UUID, req state.RequirementType, prices state.PriceProvider, now time.Time) (assets, liabs fixed.Dec, err error) {
	e, lookupErr := c.accountEntry(id)
	if lookupErr != nil {
		return fixed.Zero(), fixed.Zero(), lookupErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	banks, lookupErr := c.referencedBankEntries([]*state.Account{e.account})
	if lookupErr != nil {
		return fixed.Zero(), fixed.Zero(), lookupErr
	}
	lockBankEntries(banks)
	defer unlockBankEntries(banks)
	return state.NewRiskEngine(e.account, c.bankLookup, prices, now.Unix()).HealthComponents(req)
}

// BankIDs returns all registered bank IDs in stable order.
func (c *LedgerCore) BankIDs() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(c.banks))
	for id := range c.banks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Sequence returns the next sequence number the core will assign.
func (c *LedgerCore) Sequence() int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	return c.sequence
}

// WarmIdempotency preloads the dedup LRU from persisted keys during recovery.
func (c *LedgerCore) WarmIdempotency(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// ResumeHashChain restores the chain tip from the last persisted event so
// the first event after restart links to the log instead of genesis.
func (c *LedgerCore) ResumeHashChain(prev [32]byte) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.hasher.SetPrevHash(prev)
}

// SyncDedupMetrics publishes the dedup LRU gauges; called periodically by the
// host's metrics ticker.
func (c *LedgerCore) SyncDedupMetrics() {
	if c.metrics == nil {
		return
	}
	size, evictions := c.idempotency.LRUStats()
	c.metrics.DedupLRUSize.Set(float64(size))
	c.metrics.DedupLRUEvictions.Set(float64(evictions))
}

// --- Group and account management ---

// CreateBank registers a new bank with both exchange rates at 1.0.
func (c *LedgerCore) CreateBank(opID, bankID, groupID uuid.UUID, mint string, cfg state.BankConfig, now time.Time) (state.Bank, error) {
	evtType := event.EventTypeBankCreated.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return state.Bank{}, ErrDuplicateOperation
	}

	bank, err := state.NewBank(bankID, groupID, mint, cfg, now.Unix())
	if err != nil {
		c.reject(evtType, err)
		return state.Bank{}, err
	}

	c.mu.Lock()
	if _, exists := c.banks[bankID]; exists {
		c.mu.Unlock()
		return state.Bank{}, fmt.Errorf("core: bank %s already exists", bankID)
	}
	c.banks[bankID] = &bankEntry{bank: bank}
	c.mu.Unlock()

	c.emit(&event.BankCreated{
		OperationID: opID, BankID: bankID, GroupID: groupID, Mint: mint,
	}, now, bank, nil)
	c.applied(evtType, opID, start)
	return *bank, nil
}

// ConfigureBank applies a partial config update; nil fields stay untouched.
// Interest is accrued first so curve or fee changes only apply forward.
func (c *LedgerCore) ConfigureBank(opID, bankID uuid.UUID, opt *state.BankConfigOpt, now time.Time) (state.Bank, error) {
	evtType := event.EventTypeBankConfigured.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return state.Bank{}, ErrDuplicateOperation
	}
	be, err := c.bankEntry(bankID)
	if err != nil {
		return state.Bank{}, err
	}

	be.mu.Lock()
	defer be.mu.Unlock()

	snapshot := be.bank.Clone()
	if err := be.bank.AccrueInterest(now.Unix()); err != nil {
		c.reject(evtType, err)
		return state.Bank{}, err
	}
	if err := be.bank.Configure(opt); err != nil {
		*be.bank = *snapshot
		c.reject(evtType, err)
		return state.Bank{}, err
	}

	c.emit(&event.BankConfigured{
		OperationID: opID, BankID: bankID, Mint: be.bank.Mint, Changed: changedFields(opt),
	}, now, be.bank, nil)
	c.applied(evtType, opID, start)
	return *be.bank, nil
}

// CreateAccount registers a new empty account.
func (c *LedgerCore) CreateAccount(opID, accountID, authority, groupID uuid.UUID, now time.Time) error {
	evtType := event.EventTypeAccountCreated.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return ErrDuplicateOperation
	}

	c.mu.Lock()
	if _, exists := c.accounts[accountID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("core: account %s already exists", accountID)
	}
	account := state.NewAccount(accountID, authority, groupID)
	c.accounts[accountID] = &accountEntry{account: account}
	c.mu.Unlock()

	c.emit(&event.AccountCreated{
		OperationID: opID, AccountID: accountID, Authority: authority, GroupID: groupID,
	}, now, nil, account)
	c.applied(evtType, opID, start)
	return nil
}

// SetAccountFlags toggles the account's disabled flag. A disabled account
// can still repay and deposit; withdrawals and borrows are blocked.
func (c *LedgerCore) SetAccountFlags(opID, accountID uuid.UUID, disabled bool, now time.Time) error {
	evtType := event.EventTypeAccountFlagsSet.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return ErrDuplicateOperation
	}
	ae, err := c.accountEntry(accountID)
	if err != nil {
		return err
	}

	ae.mu.Lock()
	ae.account.Disabled = disabled
	account := ae.account
	c.emit(&event.AccountFlagsSet{
		OperationID: opID, AccountID: accountID, Disabled: disabled,
	}, now, nil, account)
	ae.mu.Unlock()

	c.applied(evtType, opID, start)
	return nil
}

// --- Balance-changing operations ---

// Deposit credits amount (net of any transfer fee, as received by the pool)
// as asset shares. GrossAmount is what the custody layer must pull from the
// depositor so the pool nets amount.
func (c *LedgerCore) Deposit(opID, accountID, bankID uuid.UUID, amount fixed.Dec, now time.Time) (OperationResult, error) {
	evtType := event.EventTypeDeposit.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return OperationResult{}, ErrDuplicateOperation
	}

	ae, be, unlock, err := c.lockAccountAndBanks(accountID, bankID)
	if err != nil {
		return OperationResult{}, err
	}
	defer unlock()

	bankSnap, accountSnap := be.bank.Clone(), ae.account.Clone()

	res, evt, err := c.deposit(opID, ae.account, be.bank, amount, now)
	if err != nil {
		*be.bank, *ae.account = *bankSnap, *accountSnap
		c.reject(evtType, err)
		return OperationResult{}, err
	}
	c.postCheckBalances(ae.account)

	c.emit(evt, now, be.bank, ae.account)
	c.applied(evtType, opID, start)
	return res, nil
}

func (c *LedgerCore) deposit(opID uuid.UUID, account *state.Account, bank *state.Bank, amount fixed.Dec, now time.Time) (OperationResult, event.Event, error) {
	if err := bank.AccrueInterest(now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	wrapper, err := state.FindOrCreateBankAccount(bank, account, now.Unix())
	if err != nil {
		return OperationResult{}, nil, err
	}
	before := wrapper.Balance.AssetShares
	if err := wrapper.Deposit(amount, now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	minted, err := wrapper.Balance.AssetShares.Sub(before)
	if err != nil {
		return OperationResult{}, nil, err
	}
	gross, err := state.PreFeeAmount(amount, bank.Config.TransferFeeBps)
	if err != nil {
		return OperationResult{}, nil, err
	}
	evt := &event.Deposit{
		OperationID: opID, AccountID: account.ID, BankID: bank.ID, Mint: bank.Mint,
		Amount: amount, SharesMinted: minted,
	}
	return OperationResult{Amount: amount, GrossAmount: gross, Bank: *bank}, evt, nil
}

// Withdraw burns enough asset shares that the withdrawer nets amount after
// any transfer fee; withdrawAll clears the position regardless of rounding
// dust. The initial health check runs strictly after the ledger deltas; on
// failure everything is rolled back.
func (c *LedgerCore) Withdraw(opID, accountID, bankID uuid.UUID, amount fixed.Dec, withdrawAll bool, prices state.PriceProvider, now time.Time) (OperationResult, error) {
	evtType := event.EventTypeWithdraw.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return OperationResult{}, ErrDuplicateOperation
	}

	ae, be, unlock, err := c.lockAccountAndBanks(accountID, bankID)
	if err != nil {
		return OperationResult{}, err
	}
	defer unlock()

	if ae.account.Disabled {
		c.reject(evtType, state.ErrAccountDisabled)
		return OperationResult{}, state.ErrAccountDisabled
	}

	bankSnap, accountSnap := be.bank.Clone(), ae.account.Clone()

	res, evt, err := c.withdraw(opID, ae.account, be.bank, amount, withdrawAll, now)
	if err == nil {
		err = state.NewRiskEngine(ae.account, c.bankLookup, prices, now.Unix()).CheckInitHealth()
	}
	if err != nil {
		*be.bank, *ae.account = *bankSnap, *accountSnap
		c.reject(evtType, err)
		return OperationResult{}, err
	}
	c.postCheckBalances(ae.account)

	c.emit(evt, now, be.bank, ae.account)
	c.applied(evtType, opID, start)
	return res, nil
}

func (c *LedgerCore) withdraw(opID uuid.UUID, account *state.Account, bank *state.Bank, amount fixed.Dec, withdrawAll bool, now time.Time) (OperationResult, event.Event, error) {
	if err := bank.AccrueInterest(now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	wrapper, err := state.BindBankAccount(bank, account)
	if err != nil {
		return OperationResult{}, nil, err
	}
	before := wrapper.Balance.AssetShares

	var net, gross fixed.Dec
	if withdrawAll {
		paid, err := wrapper.WithdrawAll(now.Unix())
		if err != nil {
			return OperationResult{}, nil, err
		}
		// The position pays out gross; the transfer fee comes out of it.
		gross = paid
		if net, err = state.PostFeeAmount(paid, bank.Config.TransferFeeBps); err != nil {
			return OperationResult{}, nil, err
		}
	} else {
		net = amount
		if gross, err = state.PreFeeAmount(amount, bank.Config.TransferFeeBps); err != nil {
			return OperationResult{}, nil, err
		}
		if err = wrapper.Withdraw(gross, now.Unix()); err != nil {
			return OperationResult{}, nil, err
		}
	}

	burned, err := before.Sub(accountAssetShares(account, bank.ID))
	if err != nil {
		return OperationResult{}, nil, err
	}
	evt := &event.Withdraw{
		OperationID: opID, AccountID: account.ID, BankID: bank.ID, Mint: bank.Mint,
		Amount: net, GrossAmount: gross, SharesBurned: burned, WithdrawAll: withdrawAll,
	}
	return OperationResult{Amount: net, GrossAmount: gross, Bank: *bank}, evt, nil
}

// Borrow mints liability shares for the fee-adjusted gross amount so the
// borrower nets amount. Initial health is checked strictly after the ledger
// deltas.
func (c *LedgerCore) Borrow(opID, accountID, bankID uuid.UUID, amount fixed.Dec, prices state.PriceProvider, now time.Time) (OperationResult, error) {
	evtType := event.EventTypeBorrow.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return OperationResult{}, ErrDuplicateOperation
	}

	ae, be, unlock, err := c.lockAccountAndBanks(accountID, bankID)
	if err != nil {
		return OperationResult{}, err
	}
	defer unlock()

	if ae.account.Disabled {
		c.reject(evtType, state.ErrAccountDisabled)
		return OperationResult{}, state.ErrAccountDisabled
	}
	if be.bank.Config.BorrowsDisabled {
		c.reject(evtType, state.ErrBankDisabled)
		return OperationResult{}, state.ErrBankDisabled
	}

	bankSnap, accountSnap := be.bank.Clone(), ae.account.Clone()

	res, evt, err := c.borrow(opID, ae.account, be.bank, amount, now)
	if err == nil {
		err = state.NewRiskEngine(ae.account, c.bankLookup, prices, now.Unix()).CheckInitHealth()
	}
	if err != nil {
		*be.bank, *ae.account = *bankSnap, *accountSnap
		c.reject(evtType, err)
		return OperationResult{}, err
	}
	c.postCheckBalances(ae.account)

	c.emit(evt, now, be.bank, ae.account)
	c.applied(evtType, opID, start)
	return res, nil
}

func (c *LedgerCore) borrow(opID uuid.UUID, account *state.Account, bank *state.Bank, amount fixed.Dec, now time.Time) (OperationResult, event.Event, error) {
	if err := bank.AccrueInterest(now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	wrapper, err := state.FindOrCreateBankAccount(bank, account, now.Unix())
	if err != nil {
		return OperationResult{}, nil, err
	}
	// The borrower owes gross so that amount nets out after the fee.
	gross, err := state.PreFeeAmount(amount, bank.Config.TransferFeeBps)
	if err != nil {
		return OperationResult{}, nil, err
	}
	before := wrapper.Balance.LiabilityShares
	if err := wrapper.Borrow(gross, now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	minted, err := wrapper.Balance.LiabilityShares.Sub(before)
	if err != nil {
		return OperationResult{}, nil, err
	}
	evt := &event.Borrow{
		OperationID: opID, AccountID: account.ID, BankID: bank.ID, Mint: bank.Mint,
		Amount: amount, GrossAmount: gross, SharesMinted: minted,
	}
	return OperationResult{Amount: amount, GrossAmount: gross, Bank: *bank}, evt, nil
}

// Repay burns liability shares; repayAll clears the outstanding liability
// computed from current shares so no rounding dust survives. Permitted on
// disabled accounts: deleveraging is always allowed.
func (c *LedgerCore) Repay(opID, accountID, bankID uuid.UUID, amount fixed.Dec, repayAll bool, now time.Time) (OperationResult, error) {
	evtType := event.EventTypeRepay.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return OperationResult{}, ErrDuplicateOperation
	}

	ae, be, unlock, err := c.lockAccountAndBanks(accountID, bankID)
	if err != nil {
		return OperationResult{}, err
	}
	defer unlock()

	bankSnap, accountSnap := be.bank.Clone(), ae.account.Clone()

	res, evt, err := c.repay(opID, ae.account, be.bank, amount, repayAll, now)
	if err != nil {
		*be.bank, *ae.account = *bankSnap, *accountSnap
		c.reject(evtType, err)
		return OperationResult{}, err
	}
	c.postCheckBalances(ae.account)

	c.emit(evt, now, be.bank, ae.account)
	c.applied(evtType, opID, start)
	return res, nil
}

func (c *LedgerCore) repay(opID uuid.UUID, account *state.Account, bank *state.Bank, amount fixed.Dec, repayAll bool, now time.Time) (OperationResult, event.Event, error) {
	if err := bank.AccrueInterest(now.Unix()); err != nil {
		return OperationResult{}, nil, err
	}
	wrapper, err := state.BindBankAccount(bank, account)
	if err != nil {
		return OperationResult{}, nil, err
	}
	before := wrapper.Balance.LiabilityShares

	var paid fixed.Dec
	if repayAll {
		if paid, err = wrapper.RepayAll(now.Unix()); err != nil {
			return OperationResult{}, nil, err
		}
	} else {
		paid = amount
		if err = wrapper.Repay(amount, now.Unix()); err != nil {
			return OperationResult{}, nil, err
		}
	}

	burned, err := before.Sub(accountLiabilityShares(account, bank.ID))
	if err != nil {
		return OperationResult{}, nil, err
	}
	evt := &event.Repay{
		OperationID: opID, AccountID: account.ID, BankID: bank.ID, Mint: bank.Mint,
		Amount: paid, SharesBurned: burned, RepayAll: repayAll,
	}
	return OperationResult{Amount: paid, GrossAmount: paid, Bank: *bank}, evt, nil
}

// AccrueBank advances one bank's exchange rates to now. The host's clock
// tick calls this for banks without organic traffic.
func (c *LedgerCore) AccrueBank(opID, bankID uuid.UUID, now time.Time) (state.Bank, error) {
	evtType := event.EventTypeInterestAccrued.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return state.Bank{}, ErrDuplicateOperation
	}
	be, err := c.bankEntry(bankID)
	if err != nil {
		return state.Bank{}, err
	}

	be.mu.Lock()
	defer be.mu.Unlock()

	restore := snapshotBank(be.bank)
	if err := be.bank.AccrueInterest(now.Unix()); err != nil {
		c.reject(evtType, err)
		return state.Bank{}, err
	}
	utilization, err := be.bank.Utilization()
	if err != nil {
		// Keep the bank at its pre-accrual state: a rejected operation must
		// not leave rate changes that never reached the event log.
		restore()
		c.reject(evtType, err)
		return state.Bank{}, err
	}
	if c.metrics != nil {
		c.metrics.ObserveAccrual(be.bank.Mint, time.Since(start))
		c.metrics.SetBankGauges(be.bank.Mint, utilization.Float64(),
			be.bank.AssetShareValue.Float64(), be.bank.LiabilityShareValue.Float64(),
			be.bank.CollectedInsuranceFees.Float64())
	}

	c.emit(&event.InterestAccrued{
		OperationID: opID, BankID: bankID, Mint: be.bank.Mint,
		AssetShareValue:     be.bank.AssetShareValue,
		LiabilityShareValue: be.bank.LiabilityShareValue,
		Utilization:         utilization,
		AccruedAt:           now.Unix(),
	}, now, be.bank, nil)
	c.applied(evtType, opID, start)
	return *be.bank, nil
}

// --- Liquidation and bankruptcy ---

// Liquidate transfers assetAmount of the liquidatee's collateral in the
// asset bank to the liquidator at a discount, in exchange for the liquidator
// assuming a matching slice of the liquidatee's liability, with the discount
// spread paid into the liability bank's insurance reserve. The liquidatee
// must fail the maintenance check beforehand; afterwards the shortfall must
// have shrunk and the liquidator must pass the initial check.
func (c *LedgerCore) Liquidate(
	opID, liquidatorID, liquidateeID, assetBankID, liabBankID uuid.UUID,
	assetAmount fixed.Dec,
	prices state.PriceProvider,
	now time.Time,
) (OperationResult, error) {
	evtType := event.EventTypeLiquidation.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return OperationResult{}, ErrDuplicateOperation
	}
	if liquidatorID == liquidateeID {
		return OperationResult{}, fmt.Errorf("core: account %s cannot liquidate itself", liquidatorID)
	}

	entries, err := c.lockLiquidation(liquidatorID, liquidateeID, assetBankID, liabBankID)
	if err != nil {
		return OperationResult{}, err
	}
	defer entries.unlock()

	liquidator, liquidatee := entries.liquidator.account, entries.liquidatee.account
	assetBank, liabBank := entries.assetBank.bank, entries.liabBank.bank

	restores := []func(){
		snapshotBank(assetBank),
		snapshotAccount(liquidator),
		snapshotAccount(liquidatee),
	}
	if !entries.sameBank {
		restores = append(restores, snapshotBank(liabBank))
	}
	rollback := func() {
		for _, restore := range restores {
			restore()
		}
	}

	evt, err := c.liquidate(opID, liquidator, liquidatee, assetBank, liabBank, assetAmount, prices, now)
	if err != nil {
		rollback()
		c.reject(evtType, err)
		return OperationResult{}, err
	}
	c.postCheckBalances(liquidator)
	c.postCheckBalances(liquidatee)

	var extraBank *state.Bank
	if !entries.sameBank {
		extraBank = assetBank
	}
	c.emitWith(evt, now, liabBank, liquidatee, extraBank, liquidator)
	if c.metrics != nil {
		c.metrics.LiquidationsApplied.WithLabelValues(liabBank.Mint).Inc()
	}
	c.applied(evtType, opID, start)
	return OperationResult{Amount: assetAmount, GrossAmount: assetAmount, Bank: *liabBank}, nil
}

func (c *LedgerCore) liquidate(
	opID uuid.UUID,
	liquidator, liquidatee *state.Account,
	assetBank, liabBank *state.Bank,
	assetAmount fixed.Dec,
	prices state.PriceProvider,
	now time.Time,
) (event.Event, error) {
	ts := now.Unix()
	if err := assetBank.AccrueInterest(ts); err != nil {
		return nil, err
	}
	if liabBank.ID != assetBank.ID {
		if err := liabBank.AccrueInterest(ts); err != nil {
			return nil, err
		}
	}

	// Eligibility: the liquidatee must already fail maintenance.
	preAssets, preLiabs, err := state.NewRiskEngine(liquidatee, c.bankLookup, prices, ts).
		HealthComponents(state.RequirementMaintenance)
	if err != nil {
		return nil, err
	}
	if !preAssets.LessThan(preLiabs) {
		return nil, fmt.Errorf("%w: account %s collateral %s covers liabilities %s",
			state.ErrNotLiquidatable, liquidatee.ID, preAssets, preLiabs)
	}

	assetPrice, err := state.ResolvePrice(prices, assetBank.Config.Oracle, ts)
	if err != nil {
		return nil, err
	}
	liabPrice, err := state.ResolvePrice(prices, liabBank.Config.Oracle, ts)
	if err != nil {
		return nil, err
	}
	amounts, err := state.ComputeLiquidation(assetBank, liabBank, assetAmount, assetPrice, liabPrice)
	if err != nil {
		return nil, err
	}

	// Collateral leg: liquidatee's asset shares burn, liquidator's mint.
	seized, err := state.BindBankAccount(assetBank, liquidatee)
	if err != nil {
		return nil, err
	}
	if err := seized.Withdraw(amounts.AssetAmount, ts); err != nil {
		return nil, err
	}
	received, err := state.FindOrCreateBankAccount(assetBank, liquidator, ts)
	if err != nil {
		return nil, err
	}
	if err := received.Deposit(amounts.AssetAmount, ts); err != nil {
		return nil, err
	}

	// Debt leg: the liquidator assumes more than the liquidatee is
	// cleared of; the spread funds the insurance reserve.
	assumed, err := state.FindOrCreateBankAccount(liabBank, liquidator, ts)
	if err != nil {
		return nil, err
	}
	if err := assumed.Borrow(amounts.LiabilityAmountLiquidator, ts); err != nil {
		return nil, err
	}
	cleared, err := state.BindBankAccount(liabBank, liquidatee)
	if err != nil {
		return nil, err
	}
	if err := cleared.Repay(amounts.LiabilityAmountLiquidatee, ts); err != nil {
		return nil, err
	}
	reserve, err := liabBank.CollectedInsuranceFees.Add(amounts.InsuranceAmount)
	if err != nil {
		return nil, err
	}
	liabBank.CollectedInsuranceFees = reserve

	// Post conditions: the liquidatee's shortfall shrinks and the
	// liquidator stays initial-healthy.
	postAssets, postLiabs, err := state.NewRiskEngine(liquidatee, c.bankLookup, prices, ts).
		HealthComponents(state.RequirementMaintenance)
	if err != nil {
		return nil, err
	}
	preGap, err := preLiabs.Sub(preAssets)
	if err != nil {
		return nil, err
	}
	postGap, err := postLiabs.Sub(postAssets)
	if err != nil {
		return nil, err
	}
	if !postGap.LessThan(preGap) {
		return nil, fmt.Errorf("%w: liquidation did not improve account %s",
			state.ErrUnhealthy, liquidatee.ID)
	}
	if err := state.NewRiskEngine(liquidator, c.bankLookup, prices, ts).CheckInitHealth(); err != nil {
		return nil, err
	}

	return &event.Liquidation{
		OperationID:      opID,
		LiquidatorID:     liquidator.ID,
		LiquidateeID:     liquidatee.ID,
		AssetBankID:      assetBank.ID,
		AssetMint:        assetBank.Mint,
		LiabilityBank:    liabBank.ID,
		LiabilityMint:    liabBank.Mint,
		AssetAmount:      amounts.AssetAmount,
		LiabilityAssumed: amounts.LiabilityAmountLiquidator,
		LiabilityCleared: amounts.LiabilityAmountLiquidatee,
		InsuranceAmount:  amounts.InsuranceAmount,
	}, nil
}

// HandleBankruptcy writes down an insolvent account's residual liability in
// one bank, draining the insurance reserve before socializing the remainder
// across that bank's lenders.
func (c *LedgerCore) HandleBankruptcy(opID, accountID, bankID uuid.UUID, prices state.PriceProvider, now time.Time) (state.BankruptcyResult, error) {
	evtType := event.EventTypeBankruptcy.String()
	start := time.Now()
	if c.idempotency.IsDuplicate(evtType, opID.String()) {
		c.duplicate(evtType)
		return state.BankruptcyResult{}, ErrDuplicateOperation
	}

	ae, be, unlock, err := c.lockAccountAndBanks(accountID, bankID)
	if err != nil {
		return state.BankruptcyResult{}, err
	}
	defer unlock()

	bankSnap, accountSnap := be.bank.Clone(), ae.account.Clone()

	result, evt, err := c.handleBankruptcy(opID, ae.account, be.bank, prices, now)
	if err != nil {
		*be.bank, *ae.account = *bankSnap, *accountSnap
		c.reject(evtType, err)
		return state.BankruptcyResult{}, err
	}
	c.postCheckBalances(ae.account)

	c.logger.Warn().
		Str("account", accountID.String()).
		Str("mint", be.bank.Mint).
		Str("bad_debt", result.BadDebt.String()).
		Str("covered_by_insurance", result.CoveredByInsurance.String()).
		Str("socialized_loss", result.SocializedLoss.String()).
		Msg("bankruptcy processed")

	c.emit(evt, now, be.bank, ae.account)
	if c.metrics != nil {
		c.metrics.BankruptciesApplied.WithLabelValues(be.bank.Mint).Inc()
		c.metrics.SocializedLossTotal.WithLabelValues(be.bank.Mint).Add(result.SocializedLoss.Float64())
		c.metrics.InsuranceDrawnTotal.WithLabelValues(be.bank.Mint).Add(result.CoveredByInsurance.Float64())
	}
	c.applied(evtType, opID, start)
	return result, nil
}

func (c *LedgerCore) handleBankruptcy(opID uuid.UUID, account *state.Account, bank *state.Bank, prices state.PriceProvider, now time.Time) (state.BankruptcyResult, event.Event, error) {
	ts := now.Unix()
	if err := bank.AccrueInterest(ts); err != nil {
		return state.BankruptcyResult{}, nil, err
	}
	if err := state.NewRiskEngine(account, c.bankLookup, prices, ts).CheckBankrupt(); err != nil {
		return state.BankruptcyResult{}, nil, err
	}
	result, err := state.HandleBankruptcy(bank, account)
	if err != nil {
		return state.BankruptcyResult{}, nil, err
	}
	evt := &event.Bankruptcy{
		OperationID: opID, AccountID: account.ID, BankID: bank.ID, Mint: bank.Mint,
		BadDebt:            result.BadDebt,
		CoveredByInsurance: result.CoveredByInsurance,
		SocializedLoss:     result.SocializedLoss,
	}
	return result, evt, nil
}

// --- Locking ---

// Lock hierarchy: accounts before banks, each level in ID order. Health
// checks walk every bank an account references, so operations must hold all
// of those bank locks, not just the target's, or a concurrent accrual on a
// collateral bank tears the values the risk engine reads.

// referencedBankEntries collects, deduplicated and ordered by bank ID, the
// target entries plus every bank an active balance slot of the given accounts
// references. Callers hold the account locks, so the slot set cannot change
// underneath.
func (c *LedgerCore) referencedBankEntries(accounts []*state.Account, targets ...*bankEntry) ([]*bankEntry, error) {
	seen := make(map[uuid.UUID]*bankEntry, len(targets)+4)
	for _, be := range targets {
		seen[be.bank.ID] = be
	}
	for _, account := range accounts {
		for _, balance := range account.ActiveBalances() {
			if _, ok := seen[balance.BankID]; ok {
				continue
			}
			be, err := c.bankEntry(balance.BankID)
			if err != nil {
				return nil, err
			}
			seen[balance.BankID] = be
		}
	}
	entries := make([]*bankEntry, 0, len(seen))
	for _, be := range seen {
		entries = append(entries, be)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].bank.ID.String() < entries[j].bank.ID.String()
	})
	return entries, nil
}

func lockBankEntries(entries []*bankEntry) {
	for _, be := range entries {
		be.mu.Lock()
	}
}

func unlockBankEntries(entries []*bankEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].mu.Unlock()
	}
}

// lockAccountAndBanks acquires the account lock, then the target bank's lock
// together with every other bank the account references, all in ID order.
// Everything stays held for the full accrue, mutate, check unit.
func (c *LedgerCore) lockAccountAndBanks(accountID, bankID uuid.UUID) (*accountEntry, *bankEntry, func(), error) {
	ae, err := c.accountEntry(accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	be, err := c.bankEntry(bankID)
	if err != nil {
		return nil, nil, nil, err
	}
	ae.mu.Lock()
	banks, err := c.referencedBankEntries([]*state.Account{ae.account}, be)
	if err != nil {
		ae.mu.Unlock()
		return nil, nil, nil, err
	}
	lockBankEntries(banks)
	unlock := func() {
		unlockBankEntries(banks)
		ae.mu.Unlock()
	}
	return ae, be, unlock, nil
}

type liquidationEntries struct {
	liquidator, liquidatee *accountEntry
	assetBank, liabBank    *bankEntry
	sameBank               bool
	banks                  []*bankEntry
}

func (le *liquidationEntries) unlock() {
	unlockBankEntries(le.banks)
	le.liquidatee.mu.Unlock()
	le.liquidator.mu.Unlock()
}

// lockLiquidation acquires both accounts in ID order, then every bank either
// account references plus the two named banks, also in ID order, so
// concurrent liquidations cannot deadlock.
func (c *LedgerCore) lockLiquidation(liquidatorID, liquidateeID, assetBankID, liabBankID uuid.UUID) (*liquidationEntries, error) {
	liquidator, err := c.accountEntry(liquidatorID)
	if err != nil {
		return nil, err
	}
	liquidatee, err := c.accountEntry(liquidateeID)
	if err != nil {
		return nil, err
	}
	assetBank, err := c.bankEntry(assetBankID)
	if err != nil {
		return nil, err
	}
	liabBank, err := c.bankEntry(liabBankID)
	if err != nil {
		return nil, err
	}

	first, second := liquidator, liquidatee
	if liquidateeID.String() < liquidatorID.String() {
		first, second = liquidatee, liquidator
	}
	first.mu.Lock()
	second.mu.Lock()

	banks, err := c.referencedBankEntries(
		[]*state.Account{liquidator.account, liquidatee.account}, assetBank, liabBank)
	if err != nil {
		second.mu.Unlock()
		first.mu.Unlock()
		return nil, err
	}
	lockBankEntries(banks)

	return &liquidationEntries{
		liquidator: liquidator,
		liquidatee: liquidatee,
		assetBank:  assetBank,
		liabBank:   liabBank,
		sameBank:   assetBankID == liabBankID,
		banks:      banks,
	}, nil
}

func snapshotBank(b *state.Bank) func() {
	snap := b.Clone()
	return func() { *b = *snap }
}

func snapshotAccount(a *state.Account) func() {
	snap := a.Clone()
	return func() { *a = *snap }
}

// --- Emission, hashing, invariants ---

// emit assigns the sequence, extends the hash chain and hands the output to
// the persistence and projection channels. Persistence uses a BLOCKING send
// (backpressure); projections use a NON-BLOCKING send with drop, since they
// can rebuild from the event log.
func (c *LedgerCore) emit(evt event.Event, ts time.Time, bank *state.Bank, account *state.Account) {
	c.emitWith(evt, ts, bank, account, nil, nil)
}

func (c *LedgerCore) emitWith(evt event.Event, ts time.Time, bank *state.Bank, account *state.Account, extraBank *state.Bank, extraAccount *state.Account) {
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s event: %v", evt.EventType(), err))
	}

	var bankCopy *state.Bank
	if bank != nil {
		bankCopy = bank.Clone()
	}
	var accountCopy *state.Account
	if account != nil {
		accountCopy = account.Clone()
	}
	var extraBankCopy *state.Bank
	if extraBank != nil {
		extraBankCopy = extraBank.Clone()
	}
	var extraAccountCopy *state.Account
	if extraAccount != nil {
		extraAccountCopy = extraAccount.Clone()
	}

	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	digest := computeStateDigest(bank, account)
	if extraBank != nil || extraAccount != nil {
		digest = append(digest, computeStateDigest(extraBank, extraAccount)...)
	}
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		BankMint:       evt.BankMint(),
		Timestamp:      ts,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope: envelope, Payload: evt,
		Bank: bankCopy, Account: accountCopy,
		ExtraBank: extraBankCopy, ExtraAccount: extraAccountCopy,
	}

	if c.persistChan != nil {
		if c.metrics != nil && len(c.persistChan) == cap(c.persistChan) {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			// Dropped; projections catch up via event-log rebuild.
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
	c.sequence++

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
}

// computeStateDigest builds canonical bytes over the entities the operation
// touched, length-prefixed per field.
func computeStateDigest(bank *state.Bank, account *state.Account) []byte {
	digest := make([]byte, 0, 256)
	appendField := func(s string) {
		digest = append(digest, byte(len(s)))
		digest = append(digest, []byte(s)...)
	}
	if bank != nil {
		appendField(bank.ID.String())
		appendField(bank.AssetShareValue.String())
		appendField(bank.LiabilityShareValue.String())
		appendField(bank.TotalAssetShares.String())
		appendField(bank.TotalLiabilityShares.String())
		appendField(bank.CollectedInsuranceFees.String())
		appendField(bank.CollectedGroupFees.String())
	}
	if account != nil {
		appendField(account.ID.String())
		for _, b := range account.ActiveBalances() {
			appendField(b.BankID.String())
			appendField(b.AssetShares.String())
			appendField(b.LiabilityShares.String())
		}
	}
	return digest
}

// postCheckBalances asserts slot exclusivity after every mutation. A slot
// holding both sides means the share arithmetic itself is broken; that is
// unrecoverable, not an operation error.
func (c *LedgerCore) postCheckBalances(account *state.Account) {
	for _, b := range account.ActiveBalances() {
		if b.AssetShares.Sign() > 0 && b.LiabilityShares.Sign() > 0 {
			panic(fmt.Sprintf("FATAL: balance slot for bank %s on account %s holds both asset and liability shares",
				b.BankID, account.ID))
		}
	}
}

func (c *LedgerCore) applied(evtType string, opID uuid.UUID, start time.Time) {
	c.idempotency.MarkProcessed(evtType, opID.String())
	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(evtType).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(evtType).Observe(time.Since(start).Seconds())
	}
}

func (c *LedgerCore) duplicate(evtType string) {
	if c.metrics != nil {
		c.metrics.IdempotencyDuplicates.WithLabelValues(evtType).Inc()
	}
}

func (c *LedgerCore) reject(evtType string, err error) {
	c.logger.Warn().Str("operation", evtType).Err(err).Msg("operation rejected")
	if c.metrics != nil {
		c.metrics.CoreOpsRejected.WithLabelValues(evtType, rejectReason(err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrDepositLimit):
		return "deposit_limit"
	case errors.Is(err, state.ErrBorrowLimit):
		return "borrow_limit"
	case errors.Is(err, state.ErrInvalidPosition):
		return "invalid_position"
	case errors.Is(err, state.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, state.ErrUnhealthy):
		return "unhealthy"
	case errors.Is(err, state.ErrAccountDisabled):
		return "account_disabled"
	case errors.Is(err, state.ErrBankDisabled):
		return "bank_disabled"
	case errors.Is(err, state.ErrNoFreeSlot):
		return "no_free_slot"
	case errors.Is(err, state.ErrBalanceNotFound):
		return "balance_not_found"
	case errors.Is(err, state.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, state.ErrNotBankrupt):
		return "not_bankrupt"
	case errors.Is(err, fixed.ErrMathOverflow), errors.Is(err, fixed.ErrDivisionByZero):
		return "arithmetic"
	default:
		return "other"
	}
}

func accountAssetShares(account *state.Account, bankID uuid.UUID) fixed.Dec {
	if b := account.Balance(bankID); b != nil {
		return b.AssetShares
	}
	return fixed.Zero()
}

func accountLiabilityShares(account *state.Account, bankID uuid.UUID) fixed.Dec {
	if b := account.Balance(bankID); b != nil {
		return b.LiabilityShares
	}
	return fixed.Zero()
}

func changedFields(opt *state.BankConfigOpt) []string {
	var changed []string
	add := func(name string, set bool) {
		if set {
			changed = append(changed, name)
		}
	}
	add("asset_weight_init", opt.AssetWeightInit != nil)
	add("asset_weight_maint", opt.AssetWeightMaint != nil)
	add("liability_weight_init", opt.LiabilityWeightInit != nil)
	add("liability_weight_maint", opt.LiabilityWeightMaint != nil)
	add("deposit_limit", opt.DepositLimit != nil)
	add("borrow_limit", opt.BorrowLimit != nil)
	add("allow_deposit_limit_override", opt.AllowDepositLimitOverride != nil)
	add("borrows_disabled", opt.BorrowsDisabled != nil)
	add("interest_rate", opt.InterestRate != nil)
	add("oracle", opt.Oracle != nil)
	add("transfer_fee_bps", opt.TransferFeeBps != nil)
	add("emissions_active", opt.EmissionsActive != nil)
	add("emissions_mint", opt.EmissionsMint != nil)
	add("emissions_rate", opt.EmissionsRate != nil)
	add("emissions_remaining", opt.EmissionsRemaining != nil)
	return changed
}
