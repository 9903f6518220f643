package state

import (
	"fmt"

	"LendLedger/internal/fixed"
)

const bpsDenominator = 10_000

// PreFeeAmount computes the gross amount to move for a fee-on-transfer mint
// such that the recipient still nets the requested amount after the external
// transfer layer deducts its fee of feeBps on the net amount. Rounds up: the
// recipient never receives less than requested.
func PreFeeAmount(net fixed.Dec, feeBps uint64) (fixed.Dec, error) {
	if feeBps == 0 {
		return net, nil
	}
	if feeBps >= bpsDenominator {
		return fixed.Zero(), fmt.Errorf("transfer fee %d bps consumes the whole amount", feeBps)
	}
	factor, err := feeFactor(feeBps)
	if err != nil {
		return fixed.Zero(), err
	}
	return net.MulCeil(factor)
}

// PostFeeAmount is the inbound direction: the net amount credited once the
// transfer layer has taken its fee out of gross. Rounds down.
func PostFeeAmount(gross fixed.Dec, feeBps uint64) (fixed.Dec, error) {
	if feeBps == 0 {
		return gross, nil
	}
	if feeBps >= bpsDenominator {
		return fixed.Zero(), fmt.Errorf("transfer fee %d bps consumes the whole amount", feeBps)
	}
	factor, err := feeFactor(feeBps)
	if err != nil {
		return fixed.Zero(), err
	}
	return gross.DivFloor(factor)
}

// feeFactor is 1 + feeBps/10000.
func feeFactor(feeBps uint64) (fixed.Dec, error) {
	fee, err := fixed.FromInt64(int64(feeBps)).Div(fixed.FromInt64(bpsDenominator))
	if err != nil {
		return fixed.Zero(), err
	}
	return fixed.One().Add(fee)
}
