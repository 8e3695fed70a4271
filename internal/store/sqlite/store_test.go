package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/entropy"
	"github.com/alanyoungcy/raffler/internal/raffle"
)

var (
	token = common.HexToAddress("0xc0")
	owner = common.HexToAddress("0x01")
	addr  = common.HexToAddress("0xaa")
)

func openTemp(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "raffler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func header(a common.Address, state domain.RaffleState, end time.Time) domain.Raffle {
	return domain.Raffle{
		Address:      a,
		State:        state,
		Version:      1,
		CreatedAt:    time.Now().UTC(),
		RaffleConfig: domain.RaffleConfig{MaxEntries: 4, End: end, Start: end.Add(-time.Hour)},
	}
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewRaffleStore(openTemp(t))
	require.NoError(t, s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		return tx.Credit(ctx, token, owner, 100)
	}))

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		require.NoError(t, tx.InsertRaffle(ctx, header(addr, domain.RaffleOpen, time.Now().Add(time.Hour))))
		require.NoError(t, tx.Debit(ctx, token, owner, 60))
		require.NoError(t, tx.Burn(ctx, token, 5))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Get(ctx, addr)
	require.ErrorIs(t, err, domain.ErrNotFound)
	bal, err := s.Balance(ctx, token, owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), bal)
}

func TestBookBlobAppendAndConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewRaffleStore(openTemp(t))
	r := header(addr, domain.RaffleOpen, time.Now().Add(time.Hour))
	require.NoError(t, s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		if err := tx.InsertRaffle(ctx, r); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, addr, 0, domain.TicketEntry{Buyer: owner, Quantity: 2}); err != nil {
			return err
		}
		return tx.AppendEntry(ctx, addr, 1, domain.TicketEntry{Buyer: token, Quantity: 1, Offset: 2})
	}))

	entries, err := s.Entries(ctx, addr)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(2), entries[1].Offset)
	assert.Equal(t, token, entries[1].Buyer)

	err = s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		return tx.AppendEntry(ctx, addr, 0, domain.TicketEntry{Buyer: owner, Quantity: 1})
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	err = s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		stale := r
		stale.Version = 5
		return tx.UpdateRaffle(ctx, stale)
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	err = s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		return tx.InsertRaffle(ctx, r)
	})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestDebitAndBurnTally(t *testing.T) {
	ctx := context.Background()
	s := NewRaffleStore(openTemp(t))
	err := s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		return tx.Debit(ctx, token, owner, 1)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	require.NoError(t, s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		if err := tx.Burn(ctx, token, 3); err != nil {
			return err
		}
		if err := tx.Burn(ctx, token, 4); err != nil {
			return err
		}
		burned, err := tx.Burned(ctx, token)
		assert.Equal(t, uint64(7), burned)
		return err
	}))
}

func TestListAndListDue(t *testing.T) {
	ctx := context.Background()
	s := NewRaffleStore(openTemp(t))
	now := time.Now().UTC()
	past := header(common.HexToAddress("0x01"), domain.RaffleOpen, now.Add(-time.Hour))
	past.TicketsSold = 2
	past.CreatedAt = now.Add(-3 * time.Hour)
	live := header(common.HexToAddress("0x02"), domain.RaffleOpen, now.Add(time.Hour))
	live.CreatedAt = now.Add(-2 * time.Hour)
	sold := header(common.HexToAddress("0x03"), domain.RaffleSoldOut, now.Add(2*time.Hour))
	sold.CreatedAt = now.Add(-time.Hour)
	empty := header(common.HexToAddress("0x04"), domain.RaffleOpen, now.Add(-time.Minute))
	empty.CreatedAt = now

	require.NoError(t, s.WithinTx(ctx, func(tx domain.RaffleTx) error {
		for _, r := range []domain.Raffle{past, live, sold, empty} {
			if err := tx.InsertRaffle(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, empty.Address, all[0].Address)

	expired, err := s.List(ctx, domain.ListOpts{State: domain.RaffleExpired})
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	due, err := s.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, past.Address, due[0].Address)
	assert.Equal(t, sold.Address, due[1].Address)
}

func TestAuditStoreNewestFirst(t *testing.T) {
	ctx := context.Background()
	a := NewAuditStore(openTemp(t))
	require.NoError(t, a.Log(ctx, "one", map[string]any{"n": 1}))
	require.NoError(t, a.Log(ctx, "two", map[string]any{"n": 2}))

	got, err := a.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].Event)
	assert.EqualValues(t, 2, got[0].Detail["n"])
}

func TestEngineLifecycleOnSQLite(t *testing.T) {
	ctx := context.Background()
	db := openTemp(t)
	s := NewRaffleStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	engine := raffle.NewEngine(s, entropy.NewFixedSource([]byte("sqlite")),
		crypto.NewAccountFactory(common.HexToAddress("0xfeed")),
		raffle.NewPublisher(nil, NewAuditStore(db), nil, nil, nil, logger),
		raffle.Options{Now: clock}, logger)

	creator := common.HexToAddress("0xc1")
	buyer := common.HexToAddress("0xb1")
	cost := common.HexToAddress("0xc5")
	prize := common.HexToAddress("0xd5")
	_, err := engine.Fund(ctx, prize, creator, 10)
	require.NoError(t, err)
	_, err = engine.Fund(ctx, cost, buyer, 10)
	require.NoError(t, err)

	r, err := engine.Create(ctx, domain.RaffleConfig{
		Creator: creator, CostToken: cost, PrizeToken: prize,
		Price: 2, PrizeQuantity: 5, PerWin: 5, MaxEntries: 3, Fixed: true,
		Start: now, End: now.Add(time.Hour),
	})
	require.NoError(t, err)

	_, err = engine.BuyTicket(ctx, r.Address, buyer, 3)
	require.NoError(t, err)

	book, err := engine.Book(ctx, r.Address)
	require.NoError(t, err)
	assert.Len(t, book, 24+3*36)

	winners, err := engine.SelectWinner(ctx, r.Address)
	require.NoError(t, err)
	require.Len(t, winners, 1)
	assert.Equal(t, buyer, winners[0].Buyer)

	_, err = engine.Disburse(ctx, r.Address)
	require.NoError(t, err)
	settled, err := engine.Close(ctx, r.Address, creator, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), settled.CostRefunded)

	bal, err := s.Balance(ctx, prize, buyer)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bal)
	bal, err = s.Balance(ctx, cost, creator)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), bal)

	_, err = s.Get(ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
