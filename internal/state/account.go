package state

import (
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

// MaxBalanceSlots is the fixed capacity of an account's balance list.
const MaxBalanceSlots = 16

// dustThreshold is the share level below which a closing operation treats a
// balance side as empty, so rounding dust never pins a slot open. Guards that
// enforce the one-side-per-slot rule and the health walk use exact zero
// instead: dust-sized debt is still debt.
var dustThreshold = fixed.MustParse("0.000001")

// Account is one user's protocol-wide position: an owning authority, a group
// it participates in, named capability flags, and a bounded list of per-bank
// balance slots.
type Account struct {
	ID        uuid.UUID
	Authority uuid.UUID
	Group     uuid.UUID

	// Disabled rejects new borrow/withdraw operations while still
	// permitting repay and deposit.
	Disabled bool

	Balances [MaxBalanceSlots]Balance
}

// Balance is one slot within an account, at most one per bank. At most one
// of AssetShares/LiabilityShares is non-zero at any time: an account cannot
// simultaneously be a lender and a borrower of the same asset.
type Balance struct {
	Active          bool
	BankID          uuid.UUID
	AssetShares     fixed.Dec
	LiabilityShares fixed.Dec

	// LastUpdate feeds emissions accounting only; never solvency-relevant.
	LastUpdate int64
}

func NewAccount(id, authority, group uuid.UUID) *Account {
	return &Account{ID: id, Authority: authority, Group: group}
}

// Balance returns the active slot for the given bank, or nil.
func (a *Account) Balance(bankID uuid.UUID) *Balance {
	for i := range a.Balances {
		if a.Balances[i].Active && a.Balances[i].BankID == bankID {
			return &a.Balances[i]
		}
	}
	return nil
}

// ActiveBalances returns pointers to all active slots in slot order.
func (a *Account) ActiveBalances() []*Balance {
	out := make([]*Balance, 0, MaxBalanceSlots)
	for i := range a.Balances {
		if a.Balances[i].Active {
			out = append(out, &a.Balances[i])
		}
	}
	return out
}

// findOrCreateBalance returns the slot for bankID, allocating the first
// empty slot when the account has none for that bank.
func (a *Account) findOrCreateBalance(bankID uuid.UUID, now int64) (*Balance, error) {
	if b := a.Balance(bankID); b != nil {
		return b, nil
	}
	for i := range a.Balances {
		if !a.Balances[i].Active {
			a.Balances[i] = Balance{
				Active:     true,
				BankID:     bankID,
				LastUpdate: now,
			}
			return &a.Balances[i], nil
		}
	}
	return nil, fmt.Errorf("%w: account %s at capacity %d", ErrNoFreeSlot, a.ID, MaxBalanceSlots)
}

// Clone returns a deep copy used for pre-operation rollback snapshots.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// IsEmpty reports whether the balance holds no material shares on either
// side.
func (b *Balance) IsEmpty() bool {
	return b.AssetShares.LessThan(dustThreshold) && b.LiabilityShares.LessThan(dustThreshold)
}

// BankAccount binds one bank to one of an account's balance slots and
// carries the share arithmetic for every balance-changing operation. The
// bank must already be accrued to the operation timestamp.
type BankAccount struct {
	Bank    *Bank
	Balance *Balance
}

// BindBankAccount resolves the existing slot for the bank; operations that
// cannot lazily create a position (withdraw, repay) use this.
func BindBankAccount(bank *Bank, account *Account) (BankAccount, error) {
	balance := account.Balance(bank.ID)
	if balance == nil {
		return BankAccount{}, fmt.Errorf("%w: account %s bank %s", ErrBalanceNotFound, account.ID, bank.Mint)
	}
	return BankAccount{Bank: bank, Balance: balance}, nil
}

// FindOrCreateBankAccount resolves or lazily allocates the slot for the
// bank; deposit and borrow use this.
func FindOrCreateBankAccount(bank *Bank, account *Account, now int64) (BankAccount, error) {
	balance, err := account.findOrCreateBalance(bank.ID, now)
	if err != nil {
		return BankAccount{}, err
	}
	return BankAccount{Bank: bank, Balance: balance}, nil
}

// Deposit mints asset shares for amount. Depositing into a slot that holds a
// liability is rejected; the caller must repay instead, which keeps the
// asset/liability exclusivity invariant without netting.
func (w BankAccount) Deposit(amount fixed.Dec, now int64) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", ErrInvalidPosition)
	}
	// Exact, not dust-tolerant: any outstanding liability blocks the other
	// side, so no slot can ever hold both.
	if w.Balance.LiabilityShares.Sign() > 0 {
		return fmt.Errorf("%w: bank %s slot holds a liability, repay first", ErrInvalidPosition, w.Bank.Mint)
	}
	shares, err := w.Bank.AssetSharesForAmount(amount)
	if err != nil {
		return err
	}
	if err := w.Bank.changeAssetShares(shares, true); err != nil {
		return err
	}
	newShares, err := w.Balance.AssetShares.Add(shares)
	if err != nil {
		return err
	}
	w.Balance.AssetShares = newShares
	w.Balance.LastUpdate = now
	return nil
}

// Withdraw burns asset shares for amount. Withdrawing more than held is
// rejected; a caller without an asset position must borrow instead.
func (w BankAccount) Withdraw(amount fixed.Dec, now int64) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", ErrInvalidPosition)
	}
	shares, err := w.Bank.AssetSharesForAmountCeil(amount)
	if err != nil {
		return err
	}
	if w.Balance.AssetShares.LessThan(shares) {
		return fmt.Errorf("%w: bank %s withdraw %s exceeds held %s",
			ErrInvalidPosition, w.Bank.Mint, amount, w.Balance.AssetShares)
	}
	if err := w.Bank.changeAssetShares(shares.Neg(), false); err != nil {
		return err
	}
	newShares, err := w.Balance.AssetShares.Sub(shares)
	if err != nil {
		return err
	}
	w.Balance.AssetShares = newShares
	w.Balance.LastUpdate = now
	w.closeIfEmpty()
	return nil
}

// WithdrawAll burns the full asset side and returns the payout amount,
// computed from current shares so rounding dust never strands a position.
func (w BankAccount) WithdrawAll(now int64) (fixed.Dec, error) {
	shares := w.Balance.AssetShares
	if shares.LessThan(dustThreshold) {
		return fixed.Zero(), fmt.Errorf("%w: bank %s has no asset position", ErrInvalidPosition, w.Bank.Mint)
	}
	amount, err := w.Bank.AssetAmountForShares(shares)
	if err != nil {
		return fixed.Zero(), err
	}
	if err := w.Bank.changeAssetShares(shares.Neg(), false); err != nil {
		return fixed.Zero(), err
	}
	w.Balance.AssetShares = fixed.Zero()
	w.Balance.LastUpdate = now
	w.closeIfEmpty()
	return amount, nil
}

// Borrow mints liability shares for amount. Borrowing against a slot that
// holds assets is rejected: close the asset position first.
func (w BankAccount) Borrow(amount fixed.Dec, now int64) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: borrow amount must be positive", ErrInvalidPosition)
	}
	if w.Balance.AssetShares.Sign() > 0 {
		return fmt.Errorf("%w: bank %s slot holds assets, withdraw first", ErrInvalidPosition, w.Bank.Mint)
	}
	shares, err := w.Bank.LiabilitySharesForAmount(amount)
	if err != nil {
		return err
	}
	if err := w.Bank.changeLiabilityShares(shares, true); err != nil {
		return err
	}
	newShares, err := w.Balance.LiabilityShares.Add(shares)
	if err != nil {
		return err
	}
	w.Balance.LiabilityShares = newShares
	w.Balance.LastUpdate = now
	return nil
}

// Repay burns liability shares for amount. Overpaying is rejected; use
// RepayAll to clear the position regardless of rounding dust.
func (w BankAccount) Repay(amount fixed.Dec, now int64) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: repay amount must be positive", ErrInvalidPosition)
	}
	if w.Balance.LiabilityShares.LessThan(dustThreshold) {
		return fmt.Errorf("%w: bank %s", ErrNoLiabilities, w.Bank.Mint)
	}
	// Paid out of the user's pocket into the pool: burn no more shares
	// than the amount covers.
	shares, err := amount.DivFloor(w.Bank.LiabilityShareValue)
	if err != nil {
		return err
	}
	if w.Balance.LiabilityShares.LessThan(shares) {
		return fmt.Errorf("%w: repay %s exceeds outstanding liability", ErrInvalidPosition, amount)
	}
	if err := w.Bank.changeLiabilityShares(shares.Neg(), false); err != nil {
		return err
	}
	newShares, err := w.Balance.LiabilityShares.Sub(shares)
	if err != nil {
		return err
	}
	w.Balance.LiabilityShares = newShares
	w.Balance.LastUpdate = now
	w.closeIfEmpty()
	return nil
}

// RepayAll burns the full liability side and returns the amount owed,
// computed from current shares rather than a caller-supplied amount so no
// 1-unit residual debt survives rounding.
func (w BankAccount) RepayAll(now int64) (fixed.Dec, error) {
	shares := w.Balance.LiabilityShares
	if shares.LessThan(dustThreshold) {
		return fixed.Zero(), fmt.Errorf("%w: bank %s", ErrNoLiabilities, w.Bank.Mint)
	}
	amount, err := w.Bank.LiabilityAmountForShares(shares)
	if err != nil {
		return fixed.Zero(), err
	}
	if err := w.Bank.changeLiabilityShares(shares.Neg(), false); err != nil {
		return fixed.Zero(), err
	}
	w.Balance.LiabilityShares = fixed.Zero()
	w.Balance.LastUpdate = now
	w.closeIfEmpty()
	return amount, nil
}

func (w BankAccount) closeIfEmpty() {
	if w.Balance.IsEmpty() {
		*w.Balance = Balance{}
	}
}
