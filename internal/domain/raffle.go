package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RaffleState is the lifecycle state of a raffle.
type RaffleState string

const (
	RaffleCreated        RaffleState = "created"
	RaffleOpen           RaffleState = "open"
	RaffleSoldOut        RaffleState = "sold_out"
	RaffleExpired        RaffleState = "expired" // derived, never stored
	RaffleWinnerSelected RaffleState = "winner_selected"
	RaffleDisbursed      RaffleState = "disbursed"
	RaffleClosed         RaffleState = "closed"
	RaffleForceClosed    RaffleState = "force_closed"
)

// Terminal reports whether no further operation can change the raffle.
func (s RaffleState) Terminal() bool {
	return s == RaffleClosed || s == RaffleForceClosed
}

// EscrowSide selects one of the two escrow balances of a raffle.
type EscrowSide string

const (
	EscrowCost  EscrowSide = "cost"
	EscrowPrize EscrowSide = "prize"
)

// EscrowBalance is a custodial balance in the token's smallest unit.
type EscrowBalance struct {
	Amount   uint64 `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// RaffleConfig holds the creator-supplied parameters of a raffle. Price,
// PrizeQuantity and PerWin are whole-token amounts; they are scaled by the
// token decimals when funds move.
type RaffleConfig struct {
	Creator       common.Address `json:"creator"`
	CostToken     common.Address `json:"cost_token"`
	PrizeToken    common.Address `json:"prize_token"`
	Price         uint64         `json:"price"`
	PrizeQuantity uint64         `json:"prize_quantity"`
	PerWin        uint64         `json:"per_win"`
	MaxEntries    uint64         `json:"max_entries"`
	WinMultiple   bool           `json:"win_multiple"`
	Burn          bool           `json:"burn"`
	Fixed         bool           `json:"fixed"`
	CostDecimals  uint8          `json:"cost_decimals"`
	PrizeDecimals uint8          `json:"prize_decimals"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Description   string         `json:"description"`
	NFTURI        string         `json:"nft_uri"`
	NFTImage      string         `json:"nft_image"`
}

// Winner is one drawn ticket. Ticket is the reduced draw offset, Entry the
// index into the ticket book.
type Winner struct {
	Ticket uint64         `json:"ticket"`
	Entry  int            `json:"entry"`
	Buyer  common.Address `json:"buyer"`
}

// Raffle is the stored header of one raffle.
type Raffle struct {
	RaffleConfig

	Address       common.Address `json:"address"`
	BookAddress   common.Address `json:"book_address"`
	State         RaffleState    `json:"state"`
	TicketsSold   uint64         `json:"tickets_sold"`
	UniqueEntries uint64         `json:"unique_entries"`
	Winners       []Winner       `json:"winners,omitempty"`
	Seed          []byte         `json:"seed,omitempty"`
	SeedSource    string         `json:"seed_source,omitempty"`
	SeedHeight    uint64         `json:"seed_height,omitempty"`
	Drawn         bool           `json:"drawn"`
	Closed        bool           `json:"closed"`
	PrizesSent    uint64         `json:"prizes_sent"`
	CostEscrow    EscrowBalance  `json:"cost_escrow"`
	PrizeEscrow   EscrowBalance  `json:"prize_escrow"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StateAt reports the effective state at now. A stored open raffle whose
// window has elapsed reports RaffleExpired.
func (r Raffle) StateAt(now time.Time) RaffleState {
	if r.State == RaffleOpen && !now.Before(r.End) {
		return RaffleExpired
	}
	return r.State
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// original's slices.
func (r Raffle) Clone() Raffle {
	out := r
	if r.Winners != nil {
		out.Winners = append([]Winner(nil), r.Winners...)
	}
	if r.Seed != nil {
		out.Seed = append([]byte(nil), r.Seed...)
	}
	return out
}

// TicketEntry is one purchase in a ticket book. Offset is the number of
// tickets sold before this entry.
type TicketEntry struct {
	Buyer    common.Address `json:"buyer"`
	Quantity uint64         `json:"quantity"`
	Offset   uint64         `json:"offset"`
}

// End returns the exclusive upper bound of the entry's ticket range.
func (e TicketEntry) End() uint64 {
	return e.Offset + e.Quantity
}

// Disbursement is the result of paying out a drawn raffle.
type Disbursement struct {
	Raffle    common.Address `json:"raffle"`
	Payouts   []Payout       `json:"payouts"`
	Total     uint64         `json:"total"`
	Repeated  bool           `json:"repeated"`
	Completed time.Time      `json:"completed"`
}

// Payout is one prize transfer to a winner.
type Payout struct {
	Winner common.Address `json:"winner"`
	Amount uint64         `json:"amount"`
}

// Settlement describes how escrow was released at close.
type Settlement struct {
	Raffle        common.Address `json:"raffle"`
	Forced        bool           `json:"forced"`
	CostRefunded  uint64         `json:"cost_refunded"`
	CostBurned    uint64         `json:"cost_burned"`
	PrizeReturned uint64         `json:"prize_returned"`
	FinalState    RaffleState    `json:"final_state"`
}
