package state

import (
	"fmt"

	"LendLedger/internal/fixed"
)

// BankruptcyResult reports how a write-down was funded.
type BankruptcyResult struct {
	// BadDebt is the full liability amount written down.
	BadDebt fixed.Dec
	// CoveredByInsurance came out of the bank's insurance reserve.
	CoveredByInsurance fixed.Dec
	// SocializedLoss is the shortfall beyond the reserve, absorbed by
	// diluting the bank's lenders.
	SocializedLoss fixed.Dec
}

// HandleBankruptcy converts an insolvent account's residual liability in one
// bank into a bank-level write-down. The insurance reserve is drained first;
// any remainder lowers AssetShareValue so the loss lands on lenders going
// forward without rewriting settled balances. The account's liability shares
// are zeroed and the bank's liability totals reduced by exactly that amount.
//
// Eligibility (the account failing the equity check in the negative
// direction) is the caller's responsibility, checked under the same lock.
func HandleBankruptcy(bank *Bank, account *Account) (BankruptcyResult, error) {
	balance := account.Balance(bank.ID)
	if balance == nil {
		return BankruptcyResult{}, fmt.Errorf("%w: account %s bank %s",
			ErrBalanceNotFound, account.ID, bank.Mint)
	}
	liabShares := balance.LiabilityShares
	if liabShares.LessThan(dustThreshold) {
		return BankruptcyResult{}, fmt.Errorf("%w: bank %s", ErrNoLiabilities, bank.Mint)
	}

	badDebt, err := bank.LiabilityAmountForShares(liabShares)
	if err != nil {
		return BankruptcyResult{}, err
	}

	covered := fixed.Min(bank.CollectedInsuranceFees, badDebt)
	loss, err := badDebt.Sub(covered)
	if err != nil {
		return BankruptcyResult{}, err
	}

	if loss.Sign() > 0 {
		if err := bank.socializeLoss(loss); err != nil {
			return BankruptcyResult{}, err
		}
	}

	newReserve, err := bank.CollectedInsuranceFees.Sub(covered)
	if err != nil {
		return BankruptcyResult{}, err
	}
	if err := bank.changeLiabilityShares(liabShares.Neg(), false); err != nil {
		return BankruptcyResult{}, err
	}
	bank.CollectedInsuranceFees = newReserve
	balance.LiabilityShares = fixed.Zero()
	(BankAccount{Bank: bank, Balance: balance}).closeIfEmpty()

	return BankruptcyResult{
		BadDebt:            badDebt,
		CoveredByInsurance: covered,
		SocializedLoss:     loss,
	}, nil
}

// socializeLoss re-derives AssetShareValue so the pool's asset amount drops
// by loss while shares outstanding stay fixed.
func (b *Bank) socializeLoss(loss fixed.Dec) error {
	if b.TotalAssetShares.IsZero() {
		return fmt.Errorf("socialize loss on %s: no asset shares outstanding", b.Mint)
	}
	totalAssets, err := b.TotalAssetAmount()
	if err != nil {
		return err
	}
	remaining, err := totalAssets.Sub(loss)
	if err != nil {
		return err
	}
	if remaining.Sign() < 0 {
		remaining = fixed.Zero()
	}
	newShareValue, err := remaining.DivFloor(b.TotalAssetShares)
	if err != nil {
		return err
	}
	b.AssetShareValue = newShareValue
	return nil
}
