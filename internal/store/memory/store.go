// Package memory is an in-process RaffleStore used for development and
// tests. A single mutex serialises every transaction; failed transactions are
// rolled back by replaying an undo log.
package memory

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

type walletKey struct {
	token common.Address
	owner common.Address
}

// Store implements domain.RaffleStore.
type Store struct {
	mu       sync.Mutex
	raffles  map[common.Address]domain.Raffle
	entries  map[common.Address][]domain.TicketEntry
	balances map[walletKey]uint64
	burned   map[common.Address]uint64
}

var _ domain.RaffleStore = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		raffles:  make(map[common.Address]domain.Raffle),
		entries:  make(map[common.Address][]domain.TicketEntry),
		balances: make(map[walletKey]uint64),
		burned:   make(map[common.Address]uint64),
	}
}

// WithinTx runs fn while holding the store lock. If fn fails, every write it
// made is undone before the lock is released.
func (s *Store) WithinTx(ctx context.Context, fn func(tx domain.RaffleTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) Get(_ context.Context, addr common.Address) (domain.Raffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.raffles[addr]
	if !ok {
		return domain.Raffle{}, fmt.Errorf("memory: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) Entries(_ context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.raffles[addr]; !ok {
		return nil, fmt.Errorf("memory: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return append([]domain.TicketEntry(nil), s.entries[addr]...), nil
}

// List returns raffles newest first. A State filter of expired matches open
// raffles whose window has passed.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.Raffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []domain.Raffle
	for _, r := range s.raffles {
		if opts.State != "" && r.StateAt(now) != opts.State {
			continue
		}
		if opts.Since != nil && r.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !r.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Address.Cmp(out[j].Address) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Offset, opts.Limit), nil
}

// ListDue returns sold-out raffles, open raffles with sales past their end,
// and drawn raffles not yet paid, oldest end first.
func (s *Store) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Raffle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Raffle
	for _, r := range s.raffles {
		switch {
		case r.State == domain.RaffleSoldOut, r.State == domain.RaffleWinnerSelected:
		case r.State == domain.RaffleOpen && !now.Before(r.End) && r.TicketsSold > 0:
		default:
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return page(out, 0, limit), nil
}

func (s *Store) Balance(_ context.Context, token, owner common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[walletKey{token, owner}], nil
}

func page(rs []domain.Raffle, offset, limit int) []domain.Raffle {
	if offset >= len(rs) {
		return []domain.Raffle{}
	}
	rs = rs[offset:]
	if limit > 0 && limit < len(rs) {
		rs = rs[:limit]
	}
	return rs
}

// memTx mutates the store directly and records how to reverse each write.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetRaffle(_ context.Context, addr common.Address) (domain.Raffle, error) {
	r, ok := t.s.raffles[addr]
	if !ok {
		return domain.Raffle{}, fmt.Errorf("memory: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return r.Clone(), nil
}

func (t *memTx) ListEntries(_ context.Context, addr common.Address) ([]domain.TicketEntry, error) {
	return append([]domain.TicketEntry(nil), t.s.entries[addr]...), nil
}

func (t *memTx) InsertRaffle(_ context.Context, r domain.Raffle) error {
	if _, ok := t.s.raffles[r.Address]; ok {
		return fmt.Errorf("memory: raffle %s: %w", r.Address.Hex(), domain.ErrAlreadyExists)
	}
	t.s.raffles[r.Address] = r.Clone()
	t.s.entries[r.Address] = nil
	addr := r.Address
	t.undo = append(t.undo, func() {
		delete(t.s.raffles, addr)
		delete(t.s.entries, addr)
	})
	return nil
}

func (t *memTx) UpdateRaffle(_ context.Context, r domain.Raffle) error {
	prev, ok := t.s.raffles[r.Address]
	if !ok {
		return fmt.Errorf("memory: raffle %s: %w", r.Address.Hex(), domain.ErrNotFound)
	}
	if prev.Version != r.Version-1 {
		return fmt.Errorf("memory: raffle %s version %d, update from %d: %w",
			r.Address.Hex(), prev.Version, r.Version-1, domain.ErrConflict)
	}
	t.s.raffles[r.Address] = r.Clone()
	t.undo = append(t.undo, func() { t.s.raffles[prev.Address] = prev })
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, addr common.Address, index int, e domain.TicketEntry) error {
	es := t.s.entries[addr]
	if index != len(es) {
		return fmt.Errorf("memory: append entry %d to book of %d: %w", index, len(es), domain.ErrConflict)
	}
	t.s.entries[addr] = append(es, e)
	t.undo = append(t.undo, func() { t.s.entries[addr] = t.s.entries[addr][:index] })
	return nil
}

func (t *memTx) DeleteRaffle(_ context.Context, addr common.Address) error {
	r, ok := t.s.raffles[addr]
	if !ok {
		return fmt.Errorf("memory: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	es := t.s.entries[addr]
	delete(t.s.raffles, addr)
	delete(t.s.entries, addr)
	t.undo = append(t.undo, func() {
		t.s.raffles[addr] = r
		t.s.entries[addr] = es
	})
	return nil
}

func (t *memTx) Balance(_ context.Context, token, owner common.Address) (uint64, error) {
	return t.s.balances[walletKey{token, owner}], nil
}

func (t *memTx) Debit(_ context.Context, token, owner common.Address, amount uint64) error {
	k := walletKey{token, owner}
	prev := t.s.balances[k]
	if prev < amount {
		return fmt.Errorf("memory: debit %d from %s holding %d: %w", amount, owner.Hex(), prev, domain.ErrInsufficientFunds)
	}
	t.setBalance(k, prev-amount)
	return nil
}

func (t *memTx) Credit(_ context.Context, token, owner common.Address, amount uint64) error {
	k := walletKey{token, owner}
	prev := t.s.balances[k]
	sum, carry := bits.Add64(prev, amount, 0)
	if carry != 0 {
		return fmt.Errorf("memory: credit %d to %s: wallet balance overflow", amount, owner.Hex())
	}
	t.setBalance(k, sum)
	return nil
}

func (t *memTx) setBalance(k walletKey, v uint64) {
	prev, had := t.s.balances[k]
	t.s.balances[k] = v
	t.undo = append(t.undo, func() {
		if had {
			t.s.balances[k] = prev
		} else {
			delete(t.s.balances, k)
		}
	})
}

func (t *memTx) Burn(_ context.Context, token common.Address, amount uint64) error {
	prev := t.s.burned[token]
	t.s.burned[token] = prev + amount
	t.undo = append(t.undo, func() { t.s.burned[token] = prev })
	return nil
}

func (t *memTx) Burned(_ context.Context, token common.Address) (uint64, error) {
	return t.s.burned[token], nil
}
