package raffle

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/entropy"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// Get returns a raffle header, from the cache when one is configured. Misses
// read the store without filling the cache: only committed operations write
// it, so a slow reader cannot put back a header that is already stale.
func (e *Engine) Get(ctx context.Context, addr common.Address) (domain.Raffle, error) {
	if cache := e.cache(); cache != nil {
		if r, err := cache.Get(ctx, addr); err == nil {
			return r, nil
		}
	}
	r, err := e.store.Get(ctx, addr)
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("raffle: get %s: %w", addr.Hex(), err)
	}
	return r, nil
}

func (e *Engine) cache() domain.RaffleCache {
	if e.events == nil {
		return nil
	}
	return e.events.Cache
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.opts.now() }

// Entries returns the ticket book entries of a raffle in purchase order.
func (e *Engine) Entries(ctx context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	es, err := e.store.Entries(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("raffle: entries %s: %w", addr.Hex(), err)
	}
	return es, nil
}

// List returns stored raffles.
func (e *Engine) List(ctx context.Context, opts domain.ListOpts) ([]domain.Raffle, error) {
	return e.store.List(ctx, opts)
}

// Due returns raffles the keeper should draw or pay out.
func (e *Engine) Due(ctx context.Context, limit int) ([]domain.Raffle, error) {
	return e.store.ListDue(ctx, e.opts.now(), limit)
}

// Balance returns the wallet balance of owner in token.
func (e *Engine) Balance(ctx context.Context, token, owner common.Address) (uint64, error) {
	return e.store.Balance(ctx, token, owner)
}

// Book returns the ticket book of a raffle in its fixed binary layout.
func (e *Engine) Book(ctx context.Context, addr common.Address) ([]byte, error) {
	r, err := e.store.Get(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("raffle: book %s: %w", addr.Hex(), err)
	}
	entries, err := e.store.Entries(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("raffle: book %s: %w", addr.Hex(), err)
	}
	book, err := ticketbook.Restore(addr, r.MaxEntries, entries)
	if err != nil {
		return nil, fmt.Errorf("raffle: book %s: %w", addr.Hex(), err)
	}
	return book.MarshalBinary()
}

// Verification compares recorded winners with a replay of the draw.
type Verification struct {
	Raffle     common.Address  `json:"raffle"`
	Seed       []byte          `json:"seed"`
	SeedSource string          `json:"seed_source"`
	SeedHeight uint64          `json:"seed_height"`
	Recorded   []domain.Winner `json:"recorded"`
	Recomputed []domain.Winner `json:"recomputed"`
	Match      bool            `json:"match"`
}

// Verify replays the draw of a raffle from its recorded seed and entries.
func (e *Engine) Verify(ctx context.Context, addr common.Address) (Verification, error) {
	r, err := e.store.Get(ctx, addr)
	if err != nil {
		return Verification{}, fmt.Errorf("raffle: verify %s: %w", addr.Hex(), err)
	}
	if !r.Drawn {
		return Verification{}, fmt.Errorf("raffle: verify %s: %w: not drawn", addr.Hex(), domain.ErrWrongState)
	}
	entries, err := e.store.Entries(ctx, addr)
	if err != nil {
		return Verification{}, fmt.Errorf("raffle: verify %s: %w", addr.Hex(), err)
	}
	again, err := entropy.Select(r.Seed, entries, winnerCount(r))
	if err != nil {
		return Verification{}, fmt.Errorf("raffle: verify %s: %w", addr.Hex(), err)
	}
	return Verification{
		Raffle:     addr,
		Seed:       r.Seed,
		SeedSource: r.SeedSource,
		SeedHeight: r.SeedHeight,
		Recorded:   r.Winners,
		Recomputed: again,
		Match:      slices.Equal(r.Winners, again),
	}, nil
}
