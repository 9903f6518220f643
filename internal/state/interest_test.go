package state_test

import (
	"testing"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
	"LendLedger/internal/state"
)

// ============================================================================
// Test: rate curve
// ============================================================================

func TestBaseRate_ZeroUtilizationIsZero(t *testing.T) {
	cfg := testConfig().InterestRate
	rate, err := cfg.BaseRate(fixed.Zero())
	if err != nil {
		t.Fatalf("BaseRate failed: %v", err)
	}
	if !rate.IsZero() {
		t.Errorf("got %s, want 0", rate)
	}
}

func TestBaseRate_AtKnotEqualsPlateau(t *testing.T) {
	cfg := testConfig().InterestRate
	rate, err := cfg.BaseRate(cfg.OptimalUtilization)
	if err != nil {
		t.Fatalf("BaseRate failed: %v", err)
	}
	if !rate.Equal(cfg.PlateauRate) {
		t.Errorf("got %s, want %s", rate, cfg.PlateauRate)
	}
}

func TestBaseRate_AtFullUtilizationEqualsMax(t *testing.T) {
	cfg := testConfig().InterestRate
	rate, err := cfg.BaseRate(fixed.One())
	if err != nil {
		t.Fatalf("BaseRate failed: %v", err)
	}
	if !rate.Equal(cfg.MaxRate) {
		t.Errorf("got %s, want %s", rate, cfg.MaxRate)
	}
}

func TestBaseRate_MonotonicNonDecreasing(t *testing.T) {
	cfg := testConfig().InterestRate
	points := []string{"0", "0.1", "0.25", "0.5", "0.79", "0.8", "0.81", "0.9", "0.99", "1"}

	prev := fixed.Zero()
	for _, p := range points {
		rate, err := cfg.BaseRate(fixed.MustParse(p))
		if err != nil {
			t.Fatalf("BaseRate(%s) failed: %v", p, err)
		}
		if rate.LessThan(prev) {
			t.Errorf("rate decreased at utilization %s: %s < %s", p, rate, prev)
		}
		prev = rate
	}
}

func TestComputeRates_BorrowCoversDeposit(t *testing.T) {
	// With a fee split configured, what borrowers pay must cover what
	// lenders earn plus the reserves; lenders never earn more than the
	// pool takes in.
	cfg := testConfig().InterestRate
	cfg.InsuranceFeeRate = fixed.MustParse("0.05")
	cfg.GroupFeeRate = fixed.MustParse("0.05")

	u := fixed.MustParse("0.5")
	rates, err := cfg.ComputeRates(u)
	if err != nil {
		t.Fatalf("ComputeRates failed: %v", err)
	}
	// depositAPR = base * u <= base <= borrowAPR
	if rates.BorrowAPR.LessThan(rates.DepositAPR) {
		t.Errorf("borrow APR %s below deposit APR %s", rates.BorrowAPR, rates.DepositAPR)
	}
	if rates.InsuranceFeeAPR.Sign() <= 0 || rates.GroupFeeAPR.Sign() <= 0 {
		t.Error("fee APRs should be positive with fee rates configured")
	}
}

// ============================================================================
// Test: accrual
// ============================================================================

func TestAccrueInterest_Idempotent(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	if err := bank.AccrueInterest(1_000_000 + 3600); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}
	asv := bank.AssetShareValue
	lsv := bank.LiabilityShareValue

	// Same timestamp again: nothing moves.
	if err := bank.AccrueInterest(1_000_000 + 3600); err != nil {
		t.Fatalf("repeat AccrueInterest failed: %v", err)
	}
	if !bank.AssetShareValue.Equal(asv) || !bank.LiabilityShareValue.Equal(lsv) {
		t.Error("accrual at the same timestamp must be a no-op")
	}

	// Earlier timestamp: also a no-op.
	if err := bank.AccrueInterest(1_000_000); err != nil {
		t.Fatalf("backdated AccrueInterest failed: %v", err)
	}
	if !bank.AssetShareValue.Equal(asv) {
		t.Error("backdated accrual must be a no-op")
	}
}

func TestAccrueInterest_EmptyBankOnlyAdvancesClock(t *testing.T) {
	bank := newTestBank(t, testConfig())
	if err := bank.AccrueInterest(2_000_000); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}
	if bank.LastUpdate != 2_000_000 {
		t.Errorf("LastUpdate = %d, want 2000000", bank.LastUpdate)
	}
	if !bank.AssetShareValue.Equal(fixed.One()) {
		t.Errorf("empty bank rate moved to %s", bank.AssetShareValue)
	}
}

func TestAccrueInterest_OneYearAtHalfUtilization(t *testing.T) {
	// 1000 deposited, 500 borrowed, curve knot at 0.8 with plateau 0.1:
	// base = 0.1 * 0.5 / 0.8 = 0.0625, borrowers pay 6.25% APR and
	// lenders earn base * u = 3.125% APR. Over exactly one year the
	// factors apply once.
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	if err := bank.AccrueInterest(1_000_000 + 31_536_000); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}

	if !bank.LiabilityShareValue.Equal(fixed.MustParse("1.0625")) {
		t.Errorf("LiabilityShareValue = %s, want 1.0625", bank.LiabilityShareValue)
	}
	if !bank.AssetShareValue.Equal(fixed.MustParse("1.03125")) {
		t.Errorf("AssetShareValue = %s, want 1.03125", bank.AssetShareValue)
	}
}

func TestAccrueInterest_RatesNeverDecrease(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "900", 1_000_000)

	prevAsset := bank.AssetShareValue
	prevLiab := bank.LiabilityShareValue
	for i := int64(1); i <= 24; i++ {
		if err := bank.AccrueInterest(1_000_000 + i*3600); err != nil {
			t.Fatalf("AccrueInterest step %d failed: %v", i, err)
		}
		if bank.AssetShareValue.LessThan(prevAsset) {
			t.Fatalf("AssetShareValue decreased at step %d", i)
		}
		if bank.LiabilityShareValue.LessThan(prevLiab) {
			t.Fatalf("LiabilityShareValue decreased at step %d", i)
		}
		prevAsset = bank.AssetShareValue
		prevLiab = bank.LiabilityShareValue
	}
}

func TestAccrueInterest_FeesAccumulate(t *testing.T) {
	cfg := testConfig()
	cfg.InterestRate.InsuranceFeeRate = fixed.MustParse("0.1")
	cfg.InterestRate.GroupFeeRate = fixed.MustParse("0.05")
	bank := newTestBank(t, cfg)
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	borrower := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "1000", 1_000_000)
	mustBorrow(t, bank, borrower, "500", 1_000_000)

	if err := bank.AccrueInterest(1_000_000 + 31_536_000); err != nil {
		t.Fatalf("AccrueInterest failed: %v", err)
	}
	if bank.CollectedInsuranceFees.Sign() <= 0 {
		t.Error("insurance fees should accumulate under load")
	}
	if bank.CollectedGroupFees.Sign() <= 0 {
		t.Error("group fees should accumulate under load")
	}
	if !bank.CollectedGroupFees.LessThan(bank.CollectedInsuranceFees) {
		t.Errorf("group fee %s should trail insurance fee %s at half the rate",
			bank.CollectedGroupFees, bank.CollectedInsuranceFees)
	}
}
