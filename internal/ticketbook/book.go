// Package ticketbook implements the fixed-capacity, append-only ticket ledger
// bound to one raffle, together with its persisted binary layout.
package ticketbook

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

// MaxCapacity is the largest book that can be allocated.
const MaxCapacity = 100_000

var (
	ErrOutOfRange = errors.New("ticketbook: offset out of range")
	ErrCorrupt    = errors.New("ticketbook: corrupt book")
	ErrCapacity   = errors.New("ticketbook: invalid capacity")
)

// Book is an arena of ticket entries allocated once at creation. Append is
// the only mutation and it never grows the arena.
type Book struct {
	raffle  common.Address
	entries []domain.TicketEntry
	sold    uint64
}

// New allocates an empty book with room for capacity entries.
func New(raffle common.Address, capacity uint64) (*Book, error) {
	if capacity == 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrCapacity, capacity, MaxCapacity)
	}
	return &Book{
		raffle:  raffle,
		entries: make([]domain.TicketEntry, 0, capacity),
	}, nil
}

// Restore rebuilds a book from previously stored entries. The offset chain
// must be the running prefix sum of quantities.
func Restore(raffle common.Address, capacity uint64, entries []domain.TicketEntry) (*Book, error) {
	b, err := New(raffle, capacity)
	if err != nil {
		return nil, err
	}
	if uint64(len(entries)) > capacity {
		return nil, fmt.Errorf("%w: %d entries exceed capacity %d", ErrCorrupt, len(entries), capacity)
	}
	for i, e := range entries {
		if e.Offset != b.sold {
			return nil, fmt.Errorf("%w: entry %d offset %d, want %d", ErrCorrupt, i, e.Offset, b.sold)
		}
		if _, err := b.Append(e.Buyer, e.Quantity); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
	}
	return b, nil
}

// Raffle returns the address of the raffle owning this book.
func (b *Book) Raffle() common.Address { return b.raffle }

// Len returns the number of entries.
func (b *Book) Len() int { return len(b.entries) }

// Cap returns the fixed entry capacity.
func (b *Book) Cap() int { return cap(b.entries) }

// Sold returns the total ticket quantity across all entries.
func (b *Book) Sold() uint64 { return b.sold }

// Full reports whether no further entry fits.
func (b *Book) Full() bool { return len(b.entries) == cap(b.entries) }

// At returns the entry at index i.
func (b *Book) At(i int) (domain.TicketEntry, error) {
	if i < 0 || i >= len(b.entries) {
		return domain.TicketEntry{}, fmt.Errorf("%w: index %d of %d", ErrOutOfRange, i, len(b.entries))
	}
	return b.entries[i], nil
}

// Entries returns a copy of all entries in purchase order.
func (b *Book) Entries() []domain.TicketEntry {
	out := make([]domain.TicketEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Append records a purchase of quantity tickets by buyer. It fails with
// domain.ErrFull once every slot is used.
func (b *Book) Append(buyer common.Address, quantity uint64) (domain.TicketEntry, error) {
	if quantity == 0 {
		return domain.TicketEntry{}, domain.ErrInvalidQuantity
	}
	if b.Full() {
		return domain.TicketEntry{}, domain.ErrFull
	}
	sold, carry := bits.Add64(b.sold, quantity, 0)
	if carry != 0 {
		return domain.TicketEntry{}, fmt.Errorf("ticketbook: quantity overflow")
	}
	e := domain.TicketEntry{Buyer: buyer, Quantity: quantity, Offset: b.sold}
	b.entries = append(b.entries, e)
	b.sold = sold
	return e, nil
}

// Resolve returns the entry whose ticket range [Offset, Offset+Quantity)
// contains t, together with its index.
func (b *Book) Resolve(t uint64) (int, domain.TicketEntry, error) {
	if t >= b.sold {
		return 0, domain.TicketEntry{}, fmt.Errorf("%w: ticket %d of %d", ErrOutOfRange, t, b.sold)
	}
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].End() > t
	})
	return i, b.entries[i], nil
}

// ResolveExcluding resolves t over the sub-sequence of entries whose buyer is
// not in exclude. t must be below Weight(exclude).
func (b *Book) ResolveExcluding(t uint64, exclude map[common.Address]bool) (int, domain.TicketEntry, error) {
	if len(exclude) == 0 {
		return b.Resolve(t)
	}
	var acc uint64
	for i, e := range b.entries {
		if exclude[e.Buyer] {
			continue
		}
		if t < acc+e.Quantity {
			return i, e, nil
		}
		acc += e.Quantity
	}
	return 0, domain.TicketEntry{}, fmt.Errorf("%w: ticket %d of %d", ErrOutOfRange, t, acc)
}

// Weight returns the number of tickets held by buyers not in exclude.
func (b *Book) Weight(exclude map[common.Address]bool) uint64 {
	if len(exclude) == 0 {
		return b.sold
	}
	var w uint64
	for _, e := range b.entries {
		if !exclude[e.Buyer] {
			w += e.Quantity
		}
	}
	return w
}

// UniqueBuyers returns the number of distinct buyers in the book.
func (b *Book) UniqueBuyers() uint64 {
	seen := make(map[common.Address]struct{}, len(b.entries))
	for _, e := range b.entries {
		seen[e.Buyer] = struct{}{}
	}
	return uint64(len(seen))
}
