package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	State  RaffleState
}

// TokenBank holds token balances outside escrow.
type TokenBank interface {
	Balance(ctx context.Context, token, owner common.Address) (uint64, error)
	// Debit returns ErrInsufficientFunds when owner holds less than amount.
	Debit(ctx context.Context, token, owner common.Address, amount uint64) error
	Credit(ctx context.Context, token, owner common.Address, amount uint64) error
	// Burn records amount of token as destroyed.
	Burn(ctx context.Context, token common.Address, amount uint64) error
	Burned(ctx context.Context, token common.Address) (uint64, error)
}

// RaffleTx is a store view bound to one atomic unit of work. Every write made
// through it is discarded if the enclosing WithinTx callback returns an error.
type RaffleTx interface {
	TokenBank

	// GetRaffle loads a raffle header and holds it exclusively for the rest
	// of the transaction where the backend supports row locks.
	GetRaffle(ctx context.Context, addr common.Address) (Raffle, error)
	ListEntries(ctx context.Context, addr common.Address) ([]TicketEntry, error)
	// InsertRaffle returns ErrAlreadyExists when addr is occupied.
	InsertRaffle(ctx context.Context, r Raffle) error
	// UpdateRaffle persists r if the stored version is r.Version-1, and
	// returns ErrConflict otherwise.
	UpdateRaffle(ctx context.Context, r Raffle) error
	AppendEntry(ctx context.Context, addr common.Address, index int, e TicketEntry) error
	DeleteRaffle(ctx context.Context, addr common.Address) error
}

// RaffleStore persists raffles, their ticket books and wallet balances.
type RaffleStore interface {
	WithinTx(ctx context.Context, fn func(tx RaffleTx) error) error

	Get(ctx context.Context, addr common.Address) (Raffle, error)
	Entries(ctx context.Context, addr common.Address) ([]TicketEntry, error)
	List(ctx context.Context, opts ListOpts) ([]Raffle, error)
	// ListDue returns raffles awaiting a draw or payout at now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Raffle, error)
	Balance(ctx context.Context, token, owner common.Address) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
