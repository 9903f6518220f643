package event

import (
	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

type Borrow struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	BankID      uuid.UUID
	Mint        string
	// Amount is the net amount the borrower requested; GrossAmount is the
	// fee-adjusted amount actually drawn against the pool.
	Amount       fixed.Dec
	GrossAmount  fixed.Dec
	SharesMinted fixed.Dec
}

func (b *Borrow) IdempotencyKey() string { return b.OperationID.String() }

func (b *Borrow) EventType() EventType { return EventTypeBorrow }

func (b *Borrow) BankMint() *string { return &b.Mint }

type Repay struct {
	OperationID  uuid.UUID
	AccountID    uuid.UUID
	BankID       uuid.UUID
	Mint         string
	Amount       fixed.Dec
	SharesBurned fixed.Dec
	RepayAll     bool
}

func (r *Repay) IdempotencyKey() string { return r.OperationID.String() }

func (r *Repay) EventType() EventType { return EventTypeRepay }

func (r *Repay) BankMint() *string { return &r.Mint }
