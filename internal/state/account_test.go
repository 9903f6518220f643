package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
	"LendLedger/internal/state"
)

// ============================================================================
// Test: balance slot allocation
// ============================================================================

func TestAccount_SlotAllocatedLazily(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)

	if account.Balance(bank.ID) != nil {
		t.Fatal("fresh account should have no balance for the bank")
	}
	mustDeposit(t, bank, account, "100", 1_000_000)

	balance := account.Balance(bank.ID)
	if balance == nil {
		t.Fatal("deposit should have allocated a slot")
	}
	if !balance.AssetShares.Equal(fixed.MustParse("100")) {
		t.Errorf("AssetShares = %s, want 100", balance.AssetShares)
	}
}

func TestAccount_SlotCapacity(t *testing.T) {
	group := uuid.New()
	account := state.NewAccount(uuid.New(), uuid.New(), group)

	for i := 0; i < state.MaxBalanceSlots; i++ {
		bank, err := state.NewBank(uuid.New(), group, "TOKEN", testConfig(), 0)
		if err != nil {
			t.Fatalf("NewBank %d failed: %v", i, err)
		}
		if _, err := state.FindOrCreateBankAccount(bank, account, 0); err != nil {
			t.Fatalf("slot %d allocation failed: %v", i, err)
		}
	}

	extra, err := state.NewBank(uuid.New(), group, "TOKEN", testConfig(), 0)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	if _, err := state.FindOrCreateBankAccount(extra, account, 0); !errors.Is(err, state.ErrNoFreeSlot) {
		t.Errorf("got %v, want ErrNoFreeSlot", err)
	}
}

func TestAccount_SameBankReusesSlot(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)

	mustDeposit(t, bank, account, "100", 1_000_000)
	mustDeposit(t, bank, account, "50", 1_000_000)

	if n := len(account.ActiveBalances()); n != 1 {
		t.Fatalf("expected 1 active slot, got %d", n)
	}
	if got := account.Balance(bank.ID).AssetShares; !got.Equal(fixed.MustParse("150")) {
		t.Errorf("AssetShares = %s, want 150", got)
	}
}

// ============================================================================
// Test: asset/liability exclusivity per slot
// ============================================================================

func TestSlot_DepositIntoLiabilityRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "100", 1_000_000)

	ba, _ := state.FindOrCreateBankAccount(bank, borrower, 1_000_000)
	err := ba.Deposit(fixed.MustParse("50"), 1_000_000)
	if !errors.Is(err, state.ErrInvalidPosition) {
		t.Errorf("got %v, want ErrInvalidPosition", err)
	}
}

func TestSlot_BorrowAgainstAssetsRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, account, "100", 1_000_000)

	ba, _ := state.FindOrCreateBankAccount(bank, account, 1_000_000)
	err := ba.Borrow(fixed.MustParse("50"), 1_000_000)
	if !errors.Is(err, state.ErrInvalidPosition) {
		t.Errorf("got %v, want ErrInvalidPosition", err)
	}
}

// ============================================================================
// Test: withdraw
// ============================================================================

func TestWithdraw_ExceedsHeldRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, account, "100", 1_000_000)

	ba, _ := state.BindBankAccount(bank, account)
	err := ba.Withdraw(fixed.MustParse("101"), 1_000_000)
	if !errors.Is(err, state.ErrInvalidPosition) {
		t.Errorf("got %v, want ErrInvalidPosition", err)
	}
	// Overdraft must not become a borrow.
	if !account.Balance(bank.ID).LiabilityShares.IsZero() {
		t.Error("failed withdraw must not create a liability")
	}
}

func TestWithdrawAll_ClosesSlot(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, account, "100", 1_000_000)

	ba, _ := state.BindBankAccount(bank, account)
	amount, err := ba.WithdrawAll(1_000_000)
	if err != nil {
		t.Fatalf("WithdrawAll failed: %v", err)
	}
	if !amount.Equal(fixed.MustParse("100")) {
		t.Errorf("payout = %s, want 100", amount)
	}
	if account.Balance(bank.ID) != nil {
		t.Error("emptied slot should be released")
	}
	if !bank.TotalAssetShares.IsZero() {
		t.Errorf("bank still carries %s asset shares", bank.TotalAssetShares)
	}
}

func TestWithdrawAll_PaysAccruedInterest(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, account, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	if err := bank.AccrueInterest(1_000_000 + 31_536_000); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}

	ba, _ := state.BindBankAccount(bank, account)
	amount, err := ba.WithdrawAll(1_000_000 + 31_536_000)
	if err != nil {
		t.Fatalf("WithdrawAll failed: %v", err)
	}
	if !amount.GreaterThan(fixed.MustParse("1000")) {
		t.Errorf("payout %s should exceed principal after a year of interest", amount)
	}
}

// ============================================================================
// Test: repay
// ============================================================================

func TestRepay_WithoutLiabilityRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	account := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, account, "100", 1_000_000)

	ba, _ := state.BindBankAccount(bank, account)
	err := ba.Repay(fixed.MustParse("50"), 1_000_000)
	if !errors.Is(err, state.ErrNoLiabilities) {
		t.Errorf("got %v, want ErrNoLiabilities", err)
	}
}

func TestRepayAll_ClearsDebtAfterAccrual(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	if err := bank.AccrueInterest(1_000_000 + 86_400); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}

	ba, _ := state.BindBankAccount(bank, borrower)
	owed, err := ba.RepayAll(1_000_000 + 86_400)
	if err != nil {
		t.Fatalf("RepayAll failed: %v", err)
	}
	if !owed.GreaterThan(fixed.MustParse("500")) {
		t.Errorf("owed %s should exceed principal after accrual", owed)
	}
	if borrower.Balance(bank.ID) != nil {
		t.Error("cleared slot should be released, not left with dust")
	}
	if !bank.TotalLiabilityShares.IsZero() {
		t.Errorf("bank still carries %s liability shares", bank.TotalLiabilityShares)
	}
}

func TestRepay_OverpayRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	ba, _ := state.BindBankAccount(bank, borrower)
	err := ba.Repay(fixed.MustParse("600"), 1_000_000)
	if !errors.Is(err, state.ErrInvalidPosition) {
		t.Errorf("got %v, want ErrInvalidPosition", err)
	}
}
