package state

import (
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

// RequirementType selects the weight set a health check runs under.
type RequirementType int

const (
	// RequirementInitial gates borrows and withdrawals: init weights, the
	// strictest view. An operation may never move an account below this
	// line.
	RequirementInitial RequirementType = iota
	// RequirementMaintenance is the looser liquidation trigger: maint
	// weights.
	RequirementMaintenance
	// RequirementEquity values both sides unweighted; used to detect
	// bankruptcy (the negative direction).
	RequirementEquity
)

func (rt RequirementType) String() string {
	switch rt {
	case RequirementInitial:
		return "Initial"
	case RequirementMaintenance:
		return "Maintenance"
	case RequirementEquity:
		return "Equity"
	default:
		return "Unknown"
	}
}

func (c *BankConfig) assetWeight(req RequirementType) fixed.Dec {
	switch req {
	case RequirementInitial:
		return c.AssetWeightInit
	case RequirementMaintenance:
		return c.AssetWeightMaint
	default:
		return fixed.One()
	}
}

func (c *BankConfig) liabilityWeight(req RequirementType) fixed.Dec {
	switch req {
	case RequirementInitial:
		return c.LiabilityWeightInit
	case RequirementMaintenance:
		return c.LiabilityWeightMaint
	default:
		return fixed.One()
	}
}

// BankLookup resolves a bank referenced by a balance slot.
type BankLookup func(id uuid.UUID) (*Bank, bool)

// RiskEngine walks an account's active balance slots and aggregates weighted
// collateral and liability values. It requires exactly one valid price per
// referenced bank; any failure aborts the whole evaluation.
type RiskEngine struct {
	account *Account
	banks   BankLookup
	prices  PriceProvider
	now     int64
}

func NewRiskEngine(account *Account, banks BankLookup, prices PriceProvider, now int64) *RiskEngine {
	return &RiskEngine{account: account, banks: banks, prices: prices, now: now}
}

// HealthComponents returns the aggregate weighted collateral and liability
// values of the account under the given requirement.
func (re *RiskEngine) HealthComponents(req RequirementType) (assets, liabs fixed.Dec, err error) {
	assets, liabs = fixed.Zero(), fixed.Zero()

	for _, balance := range re.account.ActiveBalances() {
		bank, ok := re.banks(balance.BankID)
		if !ok {
			return fixed.Zero(), fixed.Zero(),
				fmt.Errorf("risk: unknown bank %s on account %s", balance.BankID, re.account.ID)
		}
		price, perr := ResolvePrice(re.prices, bank.Config.Oracle, re.now)
		if perr != nil {
			return fixed.Zero(), fixed.Zero(), perr
		}

		// Every non-zero side counts. Skipping small positions here would
		// let a tiny borrow through unbacked.
		if balance.AssetShares.Sign() > 0 {
			value, verr := weightedAssetValue(bank, balance.AssetShares, price, req)
			if verr != nil {
				return fixed.Zero(), fixed.Zero(), verr
			}
			if assets, err = assets.Add(value); err != nil {
				return fixed.Zero(), fixed.Zero(), err
			}
		}
		if balance.LiabilityShares.Sign() > 0 {
			value, verr := weightedLiabilityValue(bank, balance.LiabilityShares, price, req)
			if verr != nil {
				return fixed.Zero(), fixed.Zero(), verr
			}
			if liabs, err = liabs.Add(value); err != nil {
				return fixed.Zero(), fixed.Zero(), err
			}
		}
	}
	return assets, liabs, nil
}

// Collateral is discounted and rounded down; debt is inflated and rounded
// up. Both biases push toward over-collateralization under price
// uncertainty.
func weightedAssetValue(bank *Bank, shares, price fixed.Dec, req RequirementType) (fixed.Dec, error) {
	amount, err := bank.AssetAmountForShares(shares)
	if err != nil {
		return fixed.Zero(), err
	}
	value, err := amount.MulFloor(price)
	if err != nil {
		return fixed.Zero(), err
	}
	return value.MulFloor(bank.Config.assetWeight(req))
}

func weightedLiabilityValue(bank *Bank, shares, price fixed.Dec, req RequirementType) (fixed.Dec, error) {
	amount, err := bank.LiabilityAmountForShares(shares)
	if err != nil {
		return fixed.Zero(), err
	}
	value, err := amount.MulCeil(price)
	if err != nil {
		return fixed.Zero(), err
	}
	return value.MulCeil(bank.Config.liabilityWeight(req))
}

// CheckInitHealth asserts weighted collateral >= weighted liabilities under
// init weights. Runs strictly after the ledger deltas of a borrow or
// withdrawal; the caller rolls the whole operation back on failure.
func (re *RiskEngine) CheckInitHealth() error {
	assets, liabs, err := re.HealthComponents(RequirementInitial)
	if err != nil {
		return err
	}
	if assets.LessThan(liabs) {
		return fmt.Errorf("%w: account %s initial check, collateral %s < liabilities %s",
			ErrUnhealthy, re.account.ID, assets, liabs)
	}
	return nil
}

// CheckMaintHealth asserts the maintenance threshold; failing it makes the
// account eligible for liquidation.
func (re *RiskEngine) CheckMaintHealth() error {
	assets, liabs, err := re.HealthComponents(RequirementMaintenance)
	if err != nil {
		return err
	}
	if assets.LessThan(liabs) {
		return fmt.Errorf("%w: account %s maintenance check, collateral %s < liabilities %s",
			ErrUnhealthy, re.account.ID, assets, liabs)
	}
	return nil
}

// CheckBankrupt asserts the account qualifies for bankruptcy handling:
// unweighted liabilities strictly exceed unweighted collateral and the
// collateral is exhausted. Merely failing the initial threshold does not
// qualify.
func (re *RiskEngine) CheckBankrupt() error {
	assets, liabs, err := re.HealthComponents(RequirementEquity)
	if err != nil {
		return err
	}
	if liabs.IsZero() {
		return fmt.Errorf("%w: account %s", ErrNoLiabilities, re.account.ID)
	}
	if !assets.LessThan(liabs) || !assets.LessThan(bankruptcyCollateralTolerance) {
		return fmt.Errorf("%w: account %s collateral %s liabilities %s",
			ErrNotBankrupt, re.account.ID, assets, liabs)
	}
	return nil
}

// bankruptcyCollateralTolerance is the residual collateral value (in the
// common value unit) below which collateral counts as exhausted.
var bankruptcyCollateralTolerance = fixed.MustParse("0.001")
