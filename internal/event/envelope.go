package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBankCreated
	EventTypeBankConfigured
	EventTypeAccountCreated
	EventTypeAccountFlagsSet
	EventTypeInterestAccrued
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
	EventTypeLiquidation
	EventTypeBankruptcy
)

// EventEnvelope wraps every applied operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from the host (operation ID)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Bank context (nullable for account-only events)
	BankMint *string

	// Operation timestamp supplied by the host (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of ledger state AFTER applying this operation
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// BankMint returns the bank context (nil for account-only events)
	BankMint() *string
}

func (et EventType) String() string {
	switch et {
	case EventTypeBankCreated:
		return "BankCreated"
	case EventTypeBankConfigured:
		return "BankConfigured"
	case EventTypeAccountCreated:
		return "AccountCreated"
	case EventTypeAccountFlagsSet:
		return "AccountFlagsSet"
	case EventTypeInterestAccrued:
		return "InterestAccrued"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdraw:
		return "Withdraw"
	case EventTypeBorrow:
		return "Borrow"
	case EventTypeRepay:
		return "Repay"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeBankruptcy:
		return "Bankruptcy"
	default:
		return "Unknown"
	}
}
