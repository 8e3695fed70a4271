package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrConflict      = errors.New("concurrent modification")
	ErrReplay        = errors.New("request replayed")

	ErrInvalidConfig      = errors.New("invalid raffle configuration")
	ErrInvalidQuantity    = errors.New("invalid ticket quantity")
	ErrTooManyTickets     = errors.New("too many tickets in one purchase")
	ErrWrongState         = errors.New("operation not allowed in current state")
	ErrRaffleClosed       = errors.New("raffle is closed")
	ErrWindowElapsed      = errors.New("sale window elapsed")
	ErrNotYetOpen         = errors.New("sale window not yet open")
	ErrSoldOut            = errors.New("raffle sold out")
	ErrFull               = errors.New("ticket book full")
	ErrNoEntries          = errors.New("raffle has no entries")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientEscrow = errors.New("insufficient escrow balance")
	ErrEscrowOverflow     = errors.New("escrow balance overflow")
	ErrEscrowShortfall    = errors.New("escrow shortfall")
)

// Retryable reports whether err is a balance or contention failure that may
// succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInsufficientEscrow) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrConflict)
}

// Fatal reports whether err signals an accounting inconsistency that must not
// be retried.
func Fatal(err error) bool {
	return errors.Is(err, ErrEscrowShortfall)
}
