package state

import (
	"fmt"

	"LendLedger/internal/fixed"
)

// secondsPerYear is the time unit of every configured APR.
const secondsPerYear = 31_536_000

// InterestRateConfig shapes the utilization-driven rate curve and the fee
// split taken out of borrower interest. The curve is configuration, not
// logic: linear from zero to PlateauRate at the optimal-utilization knot,
// then linear from PlateauRate to MaxRate at full utilization.
type InterestRateConfig struct {
	OptimalUtilization fixed.Dec
	PlateauRate        fixed.Dec
	MaxRate            fixed.Dec

	// Fee components charged on top of the base borrow rate. Rate fees are
	// fractions of the base rate; fixed fees are flat APRs.
	InsuranceFeeRate     fixed.Dec
	InsuranceFeeFixedAPR fixed.Dec
	GroupFeeRate         fixed.Dec
	GroupFeeFixedAPR     fixed.Dec
}

// Validate checks the curve parameters.
func (c *InterestRateConfig) Validate() error {
	one := fixed.One()
	if c.OptimalUtilization.Sign() <= 0 || !c.OptimalUtilization.LessThan(one) {
		return fmt.Errorf("optimal_utilization must be in (0, 1), got %s", c.OptimalUtilization)
	}
	if c.PlateauRate.Sign() <= 0 {
		return fmt.Errorf("plateau_rate must be > 0, got %s", c.PlateauRate)
	}
	if c.MaxRate.LessThan(c.PlateauRate) {
		return fmt.Errorf("max_rate (%s) must be >= plateau_rate (%s)", c.MaxRate, c.PlateauRate)
	}
	for _, fee := range []fixed.Dec{
		c.InsuranceFeeRate, c.InsuranceFeeFixedAPR, c.GroupFeeRate, c.GroupFeeFixedAPR,
	} {
		if fee.Sign() < 0 {
			return fmt.Errorf("fee rates must be >= 0")
		}
	}
	return nil
}

// BaseRate evaluates the curve at the given utilization. Monotonic
// non-decreasing in utilization.
func (c *InterestRateConfig) BaseRate(utilization fixed.Dec) (fixed.Dec, error) {
	if utilization.Sign() <= 0 {
		return fixed.Zero(), nil
	}
	if utilization.Cmp(c.OptimalUtilization) <= 0 {
		// Below the knot: plateau * u / optimal.
		scaled, err := utilization.Mul(c.PlateauRate)
		if err != nil {
			return fixed.Zero(), err
		}
		return scaled.Div(c.OptimalUtilization)
	}

	// Above the knot: plateau + (max - plateau) * (u - optimal) / (1 - optimal).
	excess, err := utilization.Sub(c.OptimalUtilization)
	if err != nil {
		return fixed.Zero(), err
	}
	span, err := fixed.One().Sub(c.OptimalUtilization)
	if err != nil {
		return fixed.Zero(), err
	}
	slope, err := c.MaxRate.Sub(c.PlateauRate)
	if err != nil {
		return fixed.Zero(), err
	}
	extra, err := excess.Mul(slope)
	if err != nil {
		return fixed.Zero(), err
	}
	extra, err = extra.Div(span)
	if err != nil {
		return fixed.Zero(), err
	}
	return c.PlateauRate.Add(extra)
}

// Rates holds the APRs derived from the curve at a given utilization.
type Rates struct {
	// DepositAPR accrues to lenders via AssetShareValue.
	DepositAPR fixed.Dec
	// BorrowAPR is charged to borrowers via LiabilityShareValue; it is the
	// base rate plus all fee components.
	BorrowAPR fixed.Dec
	// InsuranceFeeAPR and GroupFeeAPR are the slices of BorrowAPR diverted
	// to the bank's reserves instead of lenders.
	InsuranceFeeAPR fixed.Dec
	GroupFeeAPR     fixed.Dec
}

// ComputeRates derives all four APRs for the given utilization.
func (c *InterestRateConfig) ComputeRates(utilization fixed.Dec) (Rates, error) {
	base, err := c.BaseRate(utilization)
	if err != nil {
		return Rates{}, err
	}

	depositAPR, err := base.Mul(utilization)
	if err != nil {
		return Rates{}, err
	}

	insuranceAPR, err := base.Mul(c.InsuranceFeeRate)
	if err != nil {
		return Rates{}, err
	}
	insuranceAPR, err = insuranceAPR.Add(c.InsuranceFeeFixedAPR)
	if err != nil {
		return Rates{}, err
	}

	groupAPR, err := base.Mul(c.GroupFeeRate)
	if err != nil {
		return Rates{}, err
	}
	groupAPR, err = groupAPR.Add(c.GroupFeeFixedAPR)
	if err != nil {
		return Rates{}, err
	}

	borrowAPR, err := base.Add(insuranceAPR)
	if err != nil {
		return Rates{}, err
	}
	borrowAPR, err = borrowAPR.Add(groupAPR)
	if err != nil {
		return Rates{}, err
	}

	return Rates{
		DepositAPR:      depositAPR,
		BorrowAPR:       borrowAPR,
		InsuranceFeeAPR: insuranceAPR,
		GroupFeeAPR:     groupAPR,
	}, nil
}

// AccrueInterest advances both exchange rates to now. It MUST run before any
// share-mutating operation reads the bank's rates: shares minted or burned
// under stale rates corrupt the ledger permanently, not just transiently.
//
// The compounding contract is new_value = old_value * (1 + rate * dt),
// applied once per accrual call. Calling again with the same timestamp is a
// no-op. Accrual never partially applies: every value is computed before any
// is committed.
func (b *Bank) AccrueInterest(now int64) error {
	if now <= b.LastUpdate {
		return nil
	}
	dt := now - b.LastUpdate

	if b.TotalAssetShares.IsZero() && b.TotalLiabilityShares.IsZero() {
		b.LastUpdate = now
		return nil
	}

	utilization, err := b.Utilization()
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	rates, err := b.Config.InterestRate.ComputeRates(utilization)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}

	dtYears, err := fixed.FromInt64(dt).Div(fixed.FromInt64(secondsPerYear))
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}

	assetFactor, err := compoundFactor(rates.DepositAPR, dtYears)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	liabFactor, err := compoundFactor(rates.BorrowAPR, dtYears)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}

	newAssetShareValue, err := b.AssetShareValue.Mul(assetFactor)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	newLiabilityShareValue, err := b.LiabilityShareValue.Mul(liabFactor)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}

	totalLiabs, err := b.TotalLiabilityAmount()
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	insuranceCollected, err := feeAmount(totalLiabs, rates.InsuranceFeeAPR, dtYears)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	groupCollected, err := feeAmount(totalLiabs, rates.GroupFeeAPR, dtYears)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	newInsurance, err := b.CollectedInsuranceFees.Add(insuranceCollected)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}
	newGroup, err := b.CollectedGroupFees.Add(groupCollected)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", b.Mint, err)
	}

	b.AssetShareValue = newAssetShareValue
	b.LiabilityShareValue = newLiabilityShareValue
	b.CollectedInsuranceFees = newInsurance
	b.CollectedGroupFees = newGroup
	b.LastUpdate = now
	return nil
}

func compoundFactor(apr, dtYears fixed.Dec) (fixed.Dec, error) {
	growth, err := apr.Mul(dtYears)
	if err != nil {
		return fixed.Zero(), err
	}
	return fixed.One().Add(growth)
}

func feeAmount(principal, apr, dtYears fixed.Dec) (fixed.Dec, error) {
	rate, err := apr.Mul(dtYears)
	if err != nil {
		return fixed.Zero(), err
	}
	return principal.MulFloor(rate)
}
