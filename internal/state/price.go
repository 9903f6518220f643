package state

import (
	"fmt"

	"github.com/shopspring/decimal"

	"LendLedger/internal/fixed"
)

// PriceObservation is one already-parsed oracle reading: a raw feed value,
// its confidence interval, and the feed's publish time. How the value is
// derived from raw feed data is the oracle layer's business, not the core's.
type PriceObservation struct {
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime int64
}

// PriceProvider supplies the observation for an oracle key. The host passes
// one provider per operation covering every bank the account references.
type PriceProvider interface {
	Observation(key string) (PriceObservation, bool)
}

// PriceBook is a static per-operation snapshot of observations.
type PriceBook map[string]PriceObservation

func (p PriceBook) Observation(key string) (PriceObservation, bool) {
	obs, ok := p[key]
	return obs, ok
}

// ResolvePrice validates an observation against a bank's oracle bounds and
// converts it into ledger precision. Any missing, stale, non-positive or
// out-of-confidence observation is a hard failure; the risk engine never
// produces a partial health result.
func ResolvePrice(prices PriceProvider, cfg OracleConfig, now int64) (fixed.Dec, error) {
	obs, ok := prices.Observation(cfg.Key)
	if !ok {
		return fixed.Zero(), fmt.Errorf("%w: no observation for %s", ErrStalePrice, cfg.Key)
	}
	if obs.Price.Sign() <= 0 {
		return fixed.Zero(), fmt.Errorf("%w: non-positive price for %s", ErrStalePrice, cfg.Key)
	}
	if age := now - obs.PublishTime; age > int64(cfg.MaxAge.Seconds()) {
		return fixed.Zero(), fmt.Errorf("%w: %s observation is %ds old, max %ds",
			ErrStalePrice, cfg.Key, age, int64(cfg.MaxAge.Seconds()))
	}
	if !cfg.MaxConfidence.IsZero() {
		ratio := obs.Confidence.DivRound(obs.Price, fixed.FractionalDigits)
		if ratio.Cmp(cfg.MaxConfidence.Decimal()) > 0 {
			return fixed.Zero(), fmt.Errorf("%w: %s confidence %s exceeds bound %s",
				ErrStalePrice, cfg.Key, ratio, cfg.MaxConfidence)
		}
	}
	return fixed.FromDecimal(obs.Price)
}
