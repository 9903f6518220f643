package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
	"LendLedger/internal/state"
)

// ============================================================================
// Test: bankruptcy write-down
// ============================================================================

func TestHandleBankruptcy_InsuranceCoversFully(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	debtor := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, debtor, "100", 1_000_000)
	bank.CollectedInsuranceFees = fixed.MustParse("500")

	result, err := state.HandleBankruptcy(bank, debtor)
	if err != nil {
		t.Fatalf("HandleBankruptcy failed: %v", err)
	}

	if !result.BadDebt.Equal(fixed.MustParse("100")) {
		t.Errorf("BadDebt = %s, want 100", result.BadDebt)
	}
	if !result.CoveredByInsurance.Equal(fixed.MustParse("100")) {
		t.Errorf("CoveredByInsurance = %s, want 100", result.CoveredByInsurance)
	}
	if !result.SocializedLoss.IsZero() {
		t.Errorf("SocializedLoss = %s, want 0", result.SocializedLoss)
	}

	// Reserve drained by exactly the covered amount; lenders untouched.
	if !bank.CollectedInsuranceFees.Equal(fixed.MustParse("400")) {
		t.Errorf("reserve = %s, want 400", bank.CollectedInsuranceFees)
	}
	if !bank.AssetShareValue.Equal(fixed.One()) {
		t.Errorf("AssetShareValue = %s, lenders should be untouched", bank.AssetShareValue)
	}
	if !bank.TotalLiabilityShares.IsZero() {
		t.Errorf("liability shares = %s, want 0", bank.TotalLiabilityShares)
	}
	if debtor.Balance(bank.ID) != nil {
		t.Error("debtor's cleared slot should be released")
	}
}

func TestHandleBankruptcy_ShortfallSocialized(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	debtor := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, debtor, "100", 1_000_000)
	bank.CollectedInsuranceFees = fixed.MustParse("30")

	result, err := state.HandleBankruptcy(bank, debtor)
	if err != nil {
		t.Fatalf("HandleBankruptcy failed: %v", err)
	}

	if !result.CoveredByInsurance.Equal(fixed.MustParse("30")) {
		t.Errorf("CoveredByInsurance = %s, want 30", result.CoveredByInsurance)
	}
	if !result.SocializedLoss.Equal(fixed.MustParse("70")) {
		t.Errorf("SocializedLoss = %s, want 70", result.SocializedLoss)
	}

	// The pool's asset value drops by exactly the socialized loss: 1000
	// shares now worth 930.
	if !bank.CollectedInsuranceFees.IsZero() {
		t.Errorf("reserve = %s, want 0", bank.CollectedInsuranceFees)
	}
	if !bank.AssetShareValue.Equal(fixed.MustParse("0.93")) {
		t.Errorf("AssetShareValue = %s, want 0.93", bank.AssetShareValue)
	}
	totalAssets, _ := bank.TotalAssetAmount()
	if !totalAssets.Equal(fixed.MustParse("930")) {
		t.Errorf("total assets = %s, want 930", totalAssets)
	}
}

func TestHandleBankruptcy_LenderClaimShrinksProportionally(t *testing.T) {
	bank := newTestBank(t, testConfig())
	small := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	large := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	debtor := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, small, "250", 1_000_000)
	mustDeposit(t, bank, large, "750", 1_000_000)
	mustBorrow(t, bank, debtor, "100", 1_000_000)

	if _, err := state.HandleBankruptcy(bank, debtor); err != nil {
		t.Fatalf("HandleBankruptcy failed: %v", err)
	}

	// 100 of loss over 1000 of deposits: every lender keeps 90%.
	smallClaim, _ := bank.AssetAmountForShares(small.Balance(bank.ID).AssetShares)
	largeClaim, _ := bank.AssetAmountForShares(large.Balance(bank.ID).AssetShares)
	if !smallClaim.Equal(fixed.MustParse("225")) {
		t.Errorf("small lender claim = %s, want 225", smallClaim)
	}
	if !largeClaim.Equal(fixed.MustParse("675")) {
		t.Errorf("large lender claim = %s, want 675", largeClaim)
	}
}

func TestHandleBankruptcy_NoLiabilityRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)

	_, err := state.HandleBankruptcy(bank, lender)
	if !errors.Is(err, state.ErrNoLiabilities) {
		t.Errorf("got %v, want ErrNoLiabilities", err)
	}
}

func TestHandleBankruptcy_NoBalanceRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	stranger := state.NewAccount(uuid.New(), uuid.New(), bank.Group)

	_, err := state.HandleBankruptcy(bank, stranger)
	if !errors.Is(err, state.ErrBalanceNotFound) {
		t.Errorf("got %v, want ErrBalanceNotFound", err)
	}
}
