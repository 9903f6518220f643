package event

import (
	"github.com/google/uuid"

	"LendLedger/internal/fixed"
)

type Deposit struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	BankID      uuid.UUID
	Mint        string
	Amount      fixed.Dec
	// SharesMinted is the asset share delta credited to the account.
	SharesMinted fixed.Dec
}

func (d *Deposit) IdempotencyKey() string { return d.OperationID.String() }

func (d *Deposit) EventType() EventType { return EventTypeDeposit }

func (d *Deposit) BankMint() *string { return &d.Mint }

type Withdraw struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	BankID      uuid.UUID
	Mint        string
	// Amount is the net amount paid out; GrossAmount includes the
	// fee-on-transfer adjustment for the custody layer.
	Amount       fixed.Dec
	GrossAmount  fixed.Dec
	SharesBurned fixed.Dec
	WithdrawAll  bool
}

func (w *Withdraw) IdempotencyKey() string { return w.OperationID.String() }

func (w *Withdraw) EventType() EventType { return EventTypeWithdraw }

func (w *Withdraw) BankMint() *string { return &w.Mint }
