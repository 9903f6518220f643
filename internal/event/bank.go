package event

import (
	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

type BankCreated struct {
	OperationID uuid.UUID
	BankID      uuid.UUID
	GroupID     uuid.UUID
	Mint        string
}

func (b *BankCreated) IdempotencyKey() string { return b.OperationID.String() }

func (b *BankCreated) EventType() EventType { return EventTypeBankCreated }

func (b *BankCreated) BankMint() *string { return &b.Mint }

type BankConfigured struct {
	OperationID uuid.UUID
	BankID      uuid.UUID
	Mint        string
	// Changed lists the config field names the partial update touched.
	Changed []string
}

func (b *BankConfigured) IdempotencyKey() string { return b.OperationID.String() }

func (b *BankConfigured) EventType() EventType { return EventTypeBankConfigured }

func (b *BankConfigured) BankMint() *string { return &b.Mint }

// InterestAccrued reports the post-accrual bank state for event consumers.
type InterestAccrued struct {
	OperationID         uuid.UUID
	BankID              uuid.UUID
	Mint                string
	AssetShareValue     fixed.Dec
	LiabilityShareValue fixed.Dec
	Utilization         fixed.Dec
	AccruedAt           int64
}

func (i *InterestAccrued) IdempotencyKey() string { return i.OperationID.String() }

func (i *InterestAccrued) EventType() EventType { return EventTypeInterestAccrued }

func (i *InterestAccrued) BankMint() *string { return &i.Mint }
