package event

import "github.com/google/uuid"

type AccountCreated struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	Authority   uuid.UUID
	GroupID     uuid.UUID
}

func (a *AccountCreated) IdempotencyKey() string { return a.OperationID.String() }

func (a *AccountCreated) EventType() EventType { return EventTypeAccountCreated }

func (a *AccountCreated) BankMint() *string { return nil }

type AccountFlagsSet struct {
	OperationID uuid.UUID
	AccountID   uuid.UUID
	Disabled    bool
}

func (a *AccountFlagsSet) IdempotencyKey() string { return a.OperationID.String() }

func (a *AccountFlagsSet) EventType() EventType { return EventTypeAccountFlagsSet }

func (a *AccountFlagsSet) BankMint() *string { return nil }
