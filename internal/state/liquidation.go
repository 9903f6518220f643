package state

import (
	"fmt"

	"LendLedger/internal/fixed"
)

// Liquidation pricing: the liquidator buys collateral at a discount, and a
// further slice of the discount is paid into the liability bank's insurance
// reserve rather than forgiven.
var (
	liquidatorDiscount = fixed.MustParse("0.025")
	insuranceDiscount  = fixed.MustParse("0.025")
)

// LiquidationAmounts are the share and amount deltas of one liquidation leg.
type LiquidationAmounts struct {
	// AssetAmount of the liquidatee's collateral transferred to the
	// liquidator, valued at AssetValue.
	AssetAmount fixed.Dec
	AssetValue  fixed.Dec
	// LiabilityAmountLiquidator is the debt the liquidator assumes.
	LiabilityAmountLiquidator fixed.Dec
	// LiabilityAmountLiquidatee is the debt cleared from the liquidatee;
	// the difference funds the insurance reserve.
	LiabilityAmountLiquidatee fixed.Dec
	InsuranceAmount           fixed.Dec
}

// ComputeLiquidation prices a liquidation of assetAmount collateral against
// the liquidatee's debt: collateral is valued at the oracle price, the
// liquidator pays (1 - liquidatorDiscount) of that value in assumed debt,
// and the liquidatee is credited (1 - liquidatorDiscount - insuranceDiscount)
// of it, with the spread owed to the insurance reserve.
func ComputeLiquidation(assetBank, liabBank *Bank, assetAmount, assetPrice, liabPrice fixed.Dec) (LiquidationAmounts, error) {
	if assetAmount.Sign() <= 0 {
		return LiquidationAmounts{}, fmt.Errorf("%w: liquidation amount must be positive", ErrInvalidPosition)
	}

	assetValue, err := assetAmount.MulFloor(assetPrice)
	if err != nil {
		return LiquidationAmounts{}, err
	}

	liquidatorFactor, err := fixed.One().Sub(liquidatorDiscount)
	if err != nil {
		return LiquidationAmounts{}, err
	}
	liquidateeFactor, err := liquidatorFactor.Sub(insuranceDiscount)
	if err != nil {
		return LiquidationAmounts{}, err
	}

	liquidatorValue, err := assetValue.MulFloor(liquidatorFactor)
	if err != nil {
		return LiquidationAmounts{}, err
	}
	liquidateeValue, err := assetValue.MulFloor(liquidateeFactor)
	if err != nil {
		return LiquidationAmounts{}, err
	}

	liabAmountLiquidator, err := liquidatorValue.DivFloor(liabPrice)
	if err != nil {
		return LiquidationAmounts{}, err
	}
	liabAmountLiquidatee, err := liquidateeValue.DivFloor(liabPrice)
	if err != nil {
		return LiquidationAmounts{}, err
	}
	insurance, err := liabAmountLiquidator.Sub(liabAmountLiquidatee)
	if err != nil {
		return LiquidationAmounts{}, err
	}

	return LiquidationAmounts{
		AssetAmount:               assetAmount,
		AssetValue:                assetValue,
		LiabilityAmountLiquidator: liabAmountLiquidator,
		LiabilityAmountLiquidatee: liabAmountLiquidatee,
		InsuranceAmount:           insurance,
	}, nil
}
