package event

import (
	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

type Liquidation struct {
	OperationID   uuid.UUID
	LiquidatorID  uuid.UUID
	LiquidateeID  uuid.UUID
	AssetBankID   uuid.UUID
	AssetMint     string
	LiabilityBank uuid.UUID
	LiabilityMint string

	AssetAmount fixed.Dec
	// LiabilityAssumed is the debt moved onto the liquidator;
	// LiabilityCleared is the (smaller) debt removed from the liquidatee.
	LiabilityAssumed fixed.Dec
	LiabilityCleared fixed.Dec
	InsuranceAmount  fixed.Dec
}

func (l *Liquidation) IdempotencyKey() string { return l.OperationID.String() }

func (l *Liquidation) EventType() EventType { return EventTypeLiquidation }

func (l *Liquidation) BankMint() *string { return &l.LiabilityMint }

type Bankruptcy struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	BankID      uuid.UUID
	Mint        string

	BadDebt            fixed.Dec
	CoveredByInsurance fixed.Dec
	SocializedLoss     fixed.Dec
}

func (b *Bankruptcy) IdempotencyKey() string { return b.OperationID.String() }

func (b *Bankruptcy) EventType() EventType { return EventTypeBankruptcy }

func (b *Bankruptcy) BankMint() *string { return &b.Mint }
