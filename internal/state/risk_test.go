package state_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"LendLedger/internal/fixed"
	"LendLedger/internal/state"
)

// --- Test helpers ---

func testPrices(key string, price string, publishTime int64) state.PriceBook {
	return state.PriceBook{
		key: state.PriceObservation{
			Price:       decimal.RequireFromString(price),
			Confidence:  decimal.RequireFromString("0.01"),
			PublishTime: publishTime,
		},
	}
}

func bankLookup(banks ...*state.Bank) state.BankLookup {
	return func(id uuid.UUID) (*state.Bank, bool) {
		for _, b := range banks {
			if b.ID == id {
				return b, true
			}
		}
		return nil, false
	}
}

// ============================================================================
// Test: price resolution
// ============================================================================

func TestResolvePrice_Fresh(t *testing.T) {
	cfg := testConfig().Oracle
	prices := testPrices("TOKEN/USD", "2.5", 1_000_000)

	price, err := state.ResolvePrice(prices, cfg, 1_000_030)
	if err != nil {
		t.Fatalf("ResolvePrice failed: %v", err)
	}
	if !price.Equal(fixed.MustParse("2.5")) {
		t.Errorf("got %s, want 2.5", price)
	}
}

func TestResolvePrice_StaleRejected(t *testing.T) {
	cfg := testConfig().Oracle // MaxAge one minute
	prices := testPrices("TOKEN/USD", "2.5", 1_000_000)

	_, err := state.ResolvePrice(prices, cfg, 1_000_000+120)
	if !errors.Is(err, state.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestResolvePrice_MissingRejected(t *testing.T) {
	cfg := testConfig().Oracle
	_, err := state.ResolvePrice(state.PriceBook{}, cfg, 1_000_000)
	if !errors.Is(err, state.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestResolvePrice_WideConfidenceRejected(t *testing.T) {
	cfg := testConfig().Oracle
	cfg.MaxConfidence = fixed.MustParse("0.02")
	prices := state.PriceBook{
		"TOKEN/USD": state.PriceObservation{
			Price:       decimal.RequireFromString("100"),
			Confidence:  decimal.RequireFromString("5"), // 5% of price
			PublishTime: 1_000_000,
		},
	}

	_, err := state.ResolvePrice(prices, cfg, 1_000_010)
	if !errors.Is(err, state.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestResolvePrice_NonPositiveRejected(t *testing.T) {
	cfg := testConfig().Oracle
	prices := testPrices("TOKEN/USD", "0", 1_000_000)

	_, err := state.ResolvePrice(prices, cfg, 1_000_010)
	if !errors.Is(err, state.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

// ============================================================================
// Test: health components and checks
// ============================================================================

func TestHealthComponents_WeightsApplied(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "100", 1_000_000)

	prices := testPrices("TOKEN/USD", "2", 1_000_000)
	re := state.NewRiskEngine(lender, bankLookup(bank), prices, 1_000_010)

	// Initial: 100 * price 2 * weight 0.8 = 160.
	assets, liabs, err := re.HealthComponents(state.RequirementInitial)
	if err != nil {
		t.Fatalf("HealthComponents failed: %v", err)
	}
	if !assets.Equal(fixed.MustParse("160")) {
		t.Errorf("initial assets = %s, want 160", assets)
	}
	if !liabs.IsZero() {
		t.Errorf("liabs = %s, want 0", liabs)
	}

	// Equity: unweighted, 200.
	assets, _, err = re.HealthComponents(state.RequirementEquity)
	if err != nil {
		t.Fatalf("HealthComponents failed: %v", err)
	}
	if !assets.Equal(fixed.MustParse("200")) {
		t.Errorf("equity assets = %s, want 200", assets)
	}
}

func TestHealthComponents_StalePriceAbortsWholeEvaluation(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "100", 1_000_000)

	prices := testPrices("TOKEN/USD", "2", 1_000_000)
	re := state.NewRiskEngine(lender, bankLookup(bank), prices, 1_000_000+3_600)

	if _, _, err := re.HealthComponents(state.RequirementInitial); !errors.Is(err, state.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice", err)
	}
}

func TestHealthComponents_TinyLiabilityCounted(t *testing.T) {
	bank := newTestBank(t, testConfig())
	lender := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, lender, "100", 1_000_000)

	user := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustBorrow(t, bank, user, "0.0000001", 1_000_000)

	prices := testPrices("TOKEN/USD", "1", 1_000_000)
	re := state.NewRiskEngine(user, bankLookup(bank), prices, 1_000_010)

	// A debt below the close-out dust level still weighs in.
	_, liabs, err := re.HealthComponents(state.RequirementInitial)
	if err != nil {
		t.Fatalf("HealthComponents failed: %v", err)
	}
	if liabs.Sign() <= 0 {
		t.Errorf("liabs = %s, want > 0", liabs)
	}
}

func TestCheckInitHealth_BorrowAgainstCollateral(t *testing.T) {
	group := uuid.New()
	collCfg := testConfig()
	collCfg.Oracle.Key = "COLL/USD"
	collateralBank, err := state.NewBank(uuid.New(), group, "COLL", collCfg, 1_000_000)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}
	debtCfg := testConfig()
	debtCfg.Oracle.Key = "DEBT/USD"
	debtBank, err := state.NewBank(uuid.New(), group, "DEBT", debtCfg, 1_000_000)
	if err != nil {
		t.Fatalf("NewBank failed: %v", err)
	}

	lender := state.NewAccount(uuid.New(), uuid.New(), group)
	mustDeposit(t, debtBank, lender, "10000", 1_000_000)

	user := state.NewAccount(uuid.New(), uuid.New(), group)
	mustDeposit(t, collateralBank, user, "100", 1_000_000)

	prices := state.PriceBook{
		"COLL/USD": state.PriceObservation{Price: decimal.RequireFromString("10"), PublishTime: 1_000_000},
		"DEBT/USD": state.PriceObservation{Price: decimal.RequireFromString("1"), PublishTime: 1_000_000},
	}
	lookup := bankLookup(collateralBank, debtBank)

	// Collateral: 100 * 10 * 0.8 = 800. A 600 borrow weighs in at
	// 600 * 1.25 = 750, still healthy.
	mustBorrow(t, debtBank, user, "600", 1_000_000)
	re := state.NewRiskEngine(user, lookup, prices, 1_000_010)
	if err := re.CheckInitHealth(); err != nil {
		t.Fatalf("borrow of 600 should be healthy: %v", err)
	}

	// Another 100 pushes weighted debt to 875 > 800.
	mustBorrow(t, debtBank, user, "100", 1_000_000)
	if err := re.CheckInitHealth(); !errors.Is(err, state.ErrUnhealthy) {
		t.Errorf("got %v, want ErrUnhealthy", err)
	}

	// Maintenance view is looser: 100*10*0.9 = 900 >= 700*1.1 = 770.
	if err := re.CheckMaintHealth(); err != nil {
		t.Errorf("account should still pass maintenance: %v", err)
	}
}

func TestCheckBankrupt_RequiresExhaustedCollateral(t *testing.T) {
	group := uuid.New()
	collCfg := testConfig()
	collCfg.Oracle.Key = "COLL/USD"
	collateralBank, _ := state.NewBank(uuid.New(), group, "COLL", collCfg, 1_000_000)
	debtCfg := testConfig()
	debtCfg.Oracle.Key = "DEBT/USD"
	debtBank, _ := state.NewBank(uuid.New(), group, "DEBT", debtCfg, 1_000_000)

	lender := state.NewAccount(uuid.New(), uuid.New(), group)
	mustDeposit(t, debtBank, lender, "10000", 1_000_000)

	user := state.NewAccount(uuid.New(), uuid.New(), group)
	mustDeposit(t, collateralBank, user, "100", 1_000_000)
	mustBorrow(t, debtBank, user, "500", 1_000_000)

	lookup := bankLookup(collateralBank, debtBank)
	prices := state.PriceBook{
		"COLL/USD": state.PriceObservation{Price: decimal.RequireFromString("10"), PublishTime: 1_000_000},
		"DEBT/USD": state.PriceObservation{Price: decimal.RequireFromString("1"), PublishTime: 1_000_000},
	}

	// Collateral 1000 against debt 500: solvent, not bankrupt.
	re := state.NewRiskEngine(user, lookup, prices, 1_000_010)
	if err := re.CheckBankrupt(); !errors.Is(err, state.ErrNotBankrupt) {
		t.Errorf("got %v, want ErrNotBankrupt", err)
	}

	// Collateral collapses to dust value: liabilities exceed assets and
	// the collateral is exhausted.
	crashed := state.PriceBook{
		"COLL/USD": state.PriceObservation{Price: decimal.RequireFromString("0.0000001"), PublishTime: 1_000_000},
		"DEBT/USD": state.PriceObservation{Price: decimal.RequireFromString("1"), PublishTime: 1_000_000},
	}
	re = state.NewRiskEngine(user, lookup, crashed, 1_000_010)
	if err := re.CheckBankrupt(); err != nil {
		t.Errorf("crashed account should be bankrupt: %v", err)
	}
}

func TestCheckBankrupt_NoDebtRejected(t *testing.T) {
	bank := newTestBank(t, testConfig())
	user := state.NewAccount(uuid.New(), uuid.New(), bank.Group)
	mustDeposit(t, bank, user, "10", 1_000_000)

	prices := testPrices("TOKEN/USD", "1", 1_000_000)
	re := state.NewRiskEngine(user, bankLookup(bank), prices, 1_000_010)
	if err := re.CheckBankrupt(); !errors.Is(err, state.ErrNoLiabilities) {
		t.Errorf("got %v, want ErrNoLiabilities", err)
	}
}
