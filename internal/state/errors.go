package state

import "errors"

// Operation-fatal error kinds. The host surfaces these verbatim; nothing is
// recovered or retried inside the core.
var (
	// ErrDepositLimit: deposit would push the bank's total asset amount
	// past its configured cap.
	ErrDepositLimit = errors.New("state: deposit limit exceeded")
	// ErrBorrowLimit: borrow would push the bank's total liability amount
	// past its configured cap.
	ErrBorrowLimit = errors.New("state: borrow limit exceeded")
	// ErrInvalidPosition: the slot already holds the opposite side for
	// this bank, or a withdrawal exceeds the asset shares held.
	ErrInvalidPosition = errors.New("state: invalid position")
	// ErrStalePrice: an oracle observation required for a health check is
	// absent, stale, or outside its confidence bound.
	ErrStalePrice = errors.New("state: stale or missing oracle price")
	// ErrUnhealthy: post-mutation weighted collateral falls below weighted
	// liabilities for the requested check mode.
	ErrUnhealthy = errors.New("state: account unhealthy")
	// ErrAccountDisabled: the account flag blocks new borrow/withdraw.
	ErrAccountDisabled = errors.New("state: account disabled")
	// ErrBankDisabled: the bank's operational flag blocks new borrows.
	ErrBankDisabled = errors.New("state: bank disabled")
	// ErrNoFreeSlot: the account has no balance for this bank and no empty
	// slot left to allocate one.
	ErrNoFreeSlot = errors.New("state: no free balance slot")
	// ErrBalanceNotFound: the operation requires an existing balance slot.
	ErrBalanceNotFound = errors.New("state: balance not found")
	// ErrNotLiquidatable: liquidation was requested for an account that
	// still passes the maintenance health check.
	ErrNotLiquidatable = errors.New("state: account not liquidatable")
	// ErrNotBankrupt: bankruptcy handling was requested for an account
	// whose collateral still covers (or equals) its liabilities.
	ErrNotBankrupt = errors.New("state: account not bankrupt")
	// ErrNoLiabilities: the account carries no liability in the target
	// bank, so there is nothing to write down or liquidate.
	ErrNoLiabilities = errors.New("state: no outstanding liability")
)
