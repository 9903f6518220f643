package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

// Bank is the per-asset pool record and the sole source of truth for the
// share exchange rates. Balances never store absolute amounts, only shares;
// the amount a balance represents is recomputed from the bank at read time.
type Bank struct {
	ID    uuid.UUID
	Group uuid.UUID
	Mint  string

	Config BankConfig

	// Exchange rates (amount per share). Both start at 1.0 and grow with
	// accrued interest; AssetShareValue additionally shrinks when a
	// bankruptcy socializes a loss across lenders.
	AssetShareValue     fixed.Dec
	LiabilityShareValue fixed.Dec

	TotalAssetShares     fixed.Dec
	TotalLiabilityShares fixed.Dec

	// Fee reserves accumulated from the borrower interest split. Tracked
	// outside the two share values; the insurance reserve funds bankruptcy
	// write-downs.
	CollectedInsuranceFees fixed.Dec
	CollectedGroupFees     fixed.Dec

	// LastUpdate is the unix timestamp of the last interest accrual.
	LastUpdate int64

	// Emissions side channel. Never solvency-relevant.
	EmissionsActive    bool
	EmissionsMint      string
	EmissionsRate      int64
	EmissionsRemaining fixed.Dec
}

// BankConfig holds the governance-controlled parameters of a bank.
type BankConfig struct {
	// Risk weights. Asset weights discount collateral (<= 1), liability
	// weights inflate debt (>= 1). Init weights gate borrows/withdrawals,
	// maint weights gate liquidation eligibility.
	AssetWeightInit      fixed.Dec
	AssetWeightMaint     fixed.Dec
	LiabilityWeightInit  fixed.Dec
	LiabilityWeightMaint fixed.Dec

	// Caps on the post-operation total amounts. Zero means uncapped.
	DepositLimit fixed.Dec
	BorrowLimit  fixed.Dec

	// AllowDepositLimitOverride permits deposits past DepositLimit (used
	// for banks being wound down into repay-only mode).
	AllowDepositLimitOverride bool

	// BorrowsDisabled blocks new borrows while leaving deposits, repays
	// and withdrawals operational.
	BorrowsDisabled bool

	InterestRate InterestRateConfig

	Oracle OracleConfig

	// TransferFeeBps is the fee-on-transfer rate of the underlying mint in
	// basis points. Zero for ordinary mints.
	TransferFeeBps uint64
}

// OracleConfig identifies the price feed for a bank and its acceptance
// bounds for health checks.
type OracleConfig struct {
	Key string
	// MaxAge is the maximum accepted staleness of an observation.
	MaxAge time.Duration
	// MaxConfidence is the maximum accepted confidence/price ratio.
	MaxConfidence fixed.Dec
}

// Validate checks that bank parameters are within valid ranges.
func (c *BankConfig) Validate() error {
	one := fixed.One()
	if c.AssetWeightInit.Sign() < 0 || c.AssetWeightInit.GreaterThan(one) {
		return fmt.Errorf("asset_weight_init must be in [0, 1], got %s", c.AssetWeightInit)
	}
	if c.AssetWeightMaint.LessThan(c.AssetWeightInit) {
		return fmt.Errorf("asset_weight_maint (%s) must be >= asset_weight_init (%s)",
			c.AssetWeightMaint, c.AssetWeightInit)
	}
	if c.AssetWeightMaint.GreaterThan(one) {
		return fmt.Errorf("asset_weight_maint must be <= 1, got %s", c.AssetWeightMaint)
	}
	if c.LiabilityWeightMaint.LessThan(one) {
		return fmt.Errorf("liability_weight_maint must be >= 1, got %s", c.LiabilityWeightMaint)
	}
	if c.LiabilityWeightInit.LessThan(c.LiabilityWeightMaint) {
		return fmt.Errorf("liability_weight_init (%s) must be >= liability_weight_maint (%s)",
			c.LiabilityWeightInit, c.LiabilityWeightMaint)
	}
	if c.DepositLimit.Sign() < 0 || c.BorrowLimit.Sign() < 0 {
		return fmt.Errorf("limits must be >= 0")
	}
	if c.Oracle.Key == "" {
		return fmt.Errorf("oracle key must be set")
	}
	if err := c.InterestRate.Validate(); err != nil {
		return err
	}
	return nil
}

// NewBank creates a bank with both exchange rates at 1.0 and no shares
// outstanding.
func NewBank(id, group uuid.UUID, mint string, cfg BankConfig, now int64) (*Bank, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bank config for %s: %w", mint, err)
	}
	return &Bank{
		ID:                  id,
		Group:               group,
		Mint:                mint,
		Config:              cfg,
		AssetShareValue:     fixed.One(),
		LiabilityShareValue: fixed.One(),
		LastUpdate:          now,
	}, nil
}

// AssetSharesForAmount converts a deposit amount into asset shares, rounding
// down so the depositor is never minted more claim than paid in.
func (b *Bank) AssetSharesForAmount(amount fixed.Dec) (fixed.Dec, error) {
	return amount.DivFloor(b.AssetShareValue)
}

// AssetSharesForAmountCeil converts a withdrawal amount into the asset shares
// burned, rounding up so the pool never releases more value than the burned
// shares covered.
func (b *Bank) AssetSharesForAmountCeil(amount fixed.Dec) (fixed.Dec, error) {
	return amount.DivCeil(b.AssetShareValue)
}

// AssetAmountForShares converts asset shares into a payout amount, rounding
// down so rounding dust stays with the pool.
func (b *Bank) AssetAmountForShares(shares fixed.Dec) (fixed.Dec, error) {
	return shares.MulFloor(b.AssetShareValue)
}

// LiabilitySharesForAmount converts a borrow amount into liability shares,
// rounding up so the borrower is charged at least the amount drawn.
func (b *Bank) LiabilitySharesForAmount(amount fixed.Dec) (fixed.Dec, error) {
	return amount.DivCeil(b.LiabilityShareValue)
}

// LiabilityAmountForShares converts liability shares into the amount owed,
// rounding up.
func (b *Bank) LiabilityAmountForShares(shares fixed.Dec) (fixed.Dec, error) {
	return shares.MulCeil(b.LiabilityShareValue)
}

// TotalAssetAmount is the pool's aggregate deposited value at current rates.
func (b *Bank) TotalAssetAmount() (fixed.Dec, error) {
	return b.TotalAssetShares.MulFloor(b.AssetShareValue)
}

// TotalLiabilityAmount is the pool's aggregate outstanding debt at current
// rates.
func (b *Bank) TotalLiabilityAmount() (fixed.Dec, error) {
	return b.TotalLiabilityShares.MulCeil(b.LiabilityShareValue)
}

// Utilization returns totalLiabilities / totalAssets, or zero when the pool
// holds no assets.
func (b *Bank) Utilization() (fixed.Dec, error) {
	assets, err := b.TotalAssetAmount()
	if err != nil {
		return fixed.Zero(), err
	}
	if assets.IsZero() {
		return fixed.Zero(), nil
	}
	liabs, err := b.TotalLiabilityAmount()
	if err != nil {
		return fixed.Zero(), err
	}
	return liabs.Div(assets)
}

// changeAssetShares applies a share delta to the pool total, optionally
// enforcing the deposit limit on the post-change amount.
func (b *Bank) changeAssetShares(delta fixed.Dec, enforceLimit bool) error {
	total, err := b.TotalAssetShares.Add(delta)
	if err != nil {
		return err
	}
	if total.Sign() < 0 {
		return fmt.Errorf("%w: asset shares below zero", ErrInvalidPosition)
	}
	if enforceLimit && delta.Sign() > 0 &&
		!b.Config.DepositLimit.IsZero() && !b.Config.AllowDepositLimitOverride {
		amount, err := total.MulCeil(b.AssetShareValue)
		if err != nil {
			return err
		}
		if amount.GreaterThan(b.Config.DepositLimit) {
			return fmt.Errorf("%w: bank %s total %s limit %s",
				ErrDepositLimit, b.Mint, amount, b.Config.DepositLimit)
		}
	}
	b.TotalAssetShares = total
	return nil
}

// changeLiabilityShares applies a share delta to the pool total, optionally
// enforcing the borrow limit on the post-change amount.
func (b *Bank) changeLiabilityShares(delta fixed.Dec, enforceLimit bool) error {
	total, err := b.TotalLiabilityShares.Add(delta)
	if err != nil {
		return err
	}
	if total.Sign() < 0 {
		return fmt.Errorf("%w: liability shares below zero", ErrInvalidPosition)
	}
	if enforceLimit && delta.Sign() > 0 && !b.Config.BorrowLimit.IsZero() {
		amount, err := total.MulCeil(b.LiabilityShareValue)
		if err != nil {
			return err
		}
		if amount.GreaterThan(b.Config.BorrowLimit) {
			return fmt.Errorf("%w: bank %s total %s limit %s",
				ErrBorrowLimit, b.Mint, amount, b.Config.BorrowLimit)
		}
	}
	b.TotalLiabilityShares = total
	return nil
}

// Clone returns a deep copy used for pre-operation rollback snapshots.
func (b *Bank) Clone() *Bank {
	c := *b
	return &c
}

// BankConfigOpt is a partial configuration update; nil fields are left
// untouched.
type BankConfigOpt struct {
	AssetWeightInit      *fixed.Dec
	AssetWeightMaint     *fixed.Dec
	LiabilityWeightInit  *fixed.Dec
	LiabilityWeightMaint *fixed.Dec
	DepositLimit         *fixed.Dec
	BorrowLimit          *fixed.Dec

	AllowDepositLimitOverride *bool
	BorrowsDisabled           *bool

	InterestRate *InterestRateConfig
	Oracle       *OracleConfig

	TransferFeeBps *uint64

	EmissionsActive    *bool
	EmissionsMint      *string
	EmissionsRate      *int64
	EmissionsRemaining *fixed.Dec
}

// Configure applies a partial update and re-validates the resulting config.
// The bank is left unchanged on validation failure.
func (b *Bank) Configure(opt *BankConfigOpt) error {
	cfg := b.Config

	if opt.AssetWeightInit != nil {
		cfg.AssetWeightInit = *opt.AssetWeightInit
	}
	if opt.AssetWeightMaint != nil {
		cfg.AssetWeightMaint = *opt.AssetWeightMaint
	}
	if opt.LiabilityWeightInit != nil {
		cfg.LiabilityWeightInit = *opt.LiabilityWeightInit
	}
	if opt.LiabilityWeightMaint != nil {
		cfg.LiabilityWeightMaint = *opt.LiabilityWeightMaint
	}
	if opt.DepositLimit != nil {
		cfg.DepositLimit = *opt.DepositLimit
	}
	if opt.BorrowLimit != nil {
		cfg.BorrowLimit = *opt.BorrowLimit
	}
	if opt.AllowDepositLimitOverride != nil {
		cfg.AllowDepositLimitOverride = *opt.AllowDepositLimitOverride
	}
	if opt.BorrowsDisabled != nil {
		cfg.BorrowsDisabled = *opt.BorrowsDisabled
	}
	if opt.InterestRate != nil {
		cfg.InterestRate = *opt.InterestRate
	}
	if opt.Oracle != nil {
		cfg.Oracle = *opt.Oracle
	}
	if opt.TransferFeeBps != nil {
		cfg.TransferFeeBps = *opt.TransferFeeBps
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid bank config for %s: %w", b.Mint, err)
	}
	b.Config = cfg

	// Emissions live on the bank, not the validated config: they never
	// affect solvency.
	if opt.EmissionsActive != nil {
		b.EmissionsActive = *opt.EmissionsActive
	}
	if opt.EmissionsMint != nil {
		b.EmissionsMint = *opt.EmissionsMint
	}
	if opt.EmissionsRate != nil {
		b.EmissionsRate = *opt.EmissionsRate
	}
	if opt.EmissionsRemaining != nil {
		b.EmissionsRemaining = *opt.EmissionsRemaining
	}
	return nil
}
