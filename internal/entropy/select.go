package entropy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// Select draws up to winners distinct buyers from entries using seed. Draw i
// reduces the seed over the tickets not yet owned by an earlier winner, so a
// single draw is uniform over every purchased ticket. The result is a pure
// function of its inputs.
func Select(seed []byte, entries []domain.TicketEntry, winners int) ([]domain.Winner, error) {
	if len(entries) == 0 || winners <= 0 {
		return nil, ErrEmptyRange
	}
	book, err := ticketbook.Restore(common.Address{}, uint64(len(entries)), entries)
	if err != nil {
		return nil, fmt.Errorf("entropy: select: %w", err)
	}
	if unique := int(book.UniqueBuyers()); winners > unique {
		winners = unique
	}

	out := make([]domain.Winner, 0, winners)
	drawn := make(map[common.Address]bool, winners)
	for i := 0; i < winners; i++ {
		weight := book.Weight(drawn)
		t, err := Reduce(seed, uint32(i), weight)
		if err != nil {
			return nil, fmt.Errorf("entropy: select draw %d: %w", i, err)
		}
		idx, e, err := book.ResolveExcluding(t, drawn)
		if err != nil {
			return nil, fmt.Errorf("entropy: select draw %d: %w", i, err)
		}
		out = append(out, domain.Winner{Ticket: t, Entry: idx, Buyer: e.Buyer})
		drawn[e.Buyer] = true
	}
	return out, nil
}
