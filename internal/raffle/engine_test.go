package raffle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/raffler/internal/crypto"
	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/entropy"
	"github.com/alanyoungcy/raffler/internal/store/memory"
)

var (
	program   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	authority = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	creator   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000003")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000004")
	costTok   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	prizeTok  = common.HexToAddress("0x00000000000000000000000000000000000000d0")
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	audit  *memory.AuditLog
	clock  *testClock
	source *entropy.FixedSource
	engine *Engine
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, seeds ...[]byte) *harness {
	t.Helper()
	if len(seeds) == 0 {
		seeds = [][]byte{[]byte("default seed")}
	}
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  memory.New(),
		audit:  memory.NewAuditLog(),
		clock:  &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		source: entropy.NewFixedSource(seeds...),
	}
	events := NewPublisher(nil, h.audit, nil, nil, nil, discardLogger())
	h.engine = NewEngine(h.store, h.source, crypto.NewAccountFactory(program), events,
		Options{Authority: authority, Now: h.clock.Now}, discardLogger())
	return h
}

func (h *harness) fund(token, owner common.Address, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.store.WithinTx(h.ctx, func(tx domain.RaffleTx) error {
		return tx.Credit(h.ctx, token, owner, amount)
	}))
}

func (h *harness) balance(token, owner common.Address) uint64 {
	h.t.Helper()
	v, err := h.store.Balance(h.ctx, token, owner)
	require.NoError(h.t, err)
	return v
}

func (h *harness) config(mut func(*domain.RaffleConfig)) domain.RaffleConfig {
	now := h.clock.Now()
	cfg := domain.RaffleConfig{
		Creator:       creator,
		CostToken:     costTok,
		PrizeToken:    prizeTok,
		Price:         1,
		PrizeQuantity: 1,
		PerWin:        1,
		MaxEntries:    3,
		Fixed:         true,
		Start:         now,
		End:           now.Add(time.Hour),
		Description:   "test raffle",
	}
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

func (h *harness) create(mut func(*domain.RaffleConfig)) domain.Raffle {
	h.t.Helper()
	h.fund(prizeTok, creator, 1_000_000)
	r, err := h.engine.Create(h.ctx, h.config(mut))
	require.NoError(h.t, err)
	return r
}

func (h *harness) buy(addr, buyer common.Address, qty uint64) error {
	_, err := h.engine.BuyTicket(h.ctx, addr, buyer, qty)
	return err
}

// seedFor finds a seed whose single draw lands on ticket want of n.
func seedFor(t *testing.T, want, n uint64) []byte {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		seed := []byte{byte(i), byte(i >> 8), 'x'}
		v, err := entropy.Reduce(seed, 0, n)
		require.NoError(t, err)
		if v == want {
			return seed
		}
	}
	t.Fatalf("no seed maps to %d of %d", want, n)
	return nil
}

func TestBuyPastCapacityIsSoldOut(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.buy(r.Address, alice, 1))
	}
	err := h.buy(r.Address, alice, 1)
	require.ErrorIs(t, err, domain.ErrSoldOut)

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.TicketsSold)
	assert.Equal(t, domain.RaffleSoldOut, got.State)
	assert.Equal(t, uint64(7), h.balance(costTok, alice))
	assert.Equal(t, uint64(3), got.CostEscrow.Amount)
}

func TestNoEntriesThenForceCloseReclaimsPrize(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) { c.End = c.Start.Add(5 * time.Second) })
	before := h.balance(prizeTok, creator)

	h.clock.Advance(5 * time.Second)
	_, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNoEntries)

	set, err := h.engine.Close(h.ctx, r.Address, creator, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RaffleForceClosed, set.FinalState)
	assert.Equal(t, uint64(1), set.PrizeReturned)
	assert.Equal(t, before+1, h.balance(prizeTok, creator))

	_, err = h.engine.Get(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWeightedSelectionMapsTicketRanges(t *testing.T) {
	cases := []struct {
		ticket uint64
		want   common.Address
	}{
		{0, alice},
		{1, bob},
		{2, bob},
	}
	for _, tc := range cases {
		h := newHarness(t, seedFor(t, tc.ticket, 3))
		r := h.create(nil)
		h.fund(costTok, alice, 1)
		h.fund(costTok, bob, 2)
		require.NoError(t, h.buy(r.Address, alice, 1))
		require.NoError(t, h.buy(r.Address, bob, 2))

		winners, err := h.engine.SelectWinner(h.ctx, r.Address)
		require.NoError(t, err)
		require.Len(t, winners, 1)
		assert.Equal(t, tc.ticket, winners[0].Ticket)
		assert.Equal(t, tc.want, winners[0].Buyer, "ticket %d", tc.ticket)
	}
}

func TestCloseOpenWithEntriesIsWrongState(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 1)
	require.NoError(t, h.buy(r.Address, alice, 1))

	_, err := h.engine.Close(h.ctx, r.Address, creator, false)
	require.ErrorIs(t, err, domain.ErrWrongState)

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.RaffleOpen, got.State)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	h.fund(prizeTok, creator, 1_000_000)
	cases := map[string]func(*domain.RaffleConfig){
		"zero price":       func(c *domain.RaffleConfig) { c.Price = 0 },
		"zero entries":     func(c *domain.RaffleConfig) { c.MaxEntries = 0 },
		"too many entries": func(c *domain.RaffleConfig) { c.MaxEntries = 100_001 },
		"start after end":  func(c *domain.RaffleConfig) { c.Start = c.End.Add(time.Second) },
		"ended":            func(c *domain.RaffleConfig) { c.Start = c.Start.Add(-2 * time.Hour); c.End = c.Start.Add(time.Minute) },
		"per win > prize":  func(c *domain.RaffleConfig) { c.PerWin = 2 },
		"decimals":         func(c *domain.RaffleConfig) { c.CostDecimals = 19 },
		"zero creator":     func(c *domain.RaffleConfig) { c.Creator = common.Address{} },
		"overflow":         func(c *domain.RaffleConfig) { c.Price = 1 << 40; c.CostDecimals = 18 },
		"long uri":         func(c *domain.RaffleConfig) { c.NFTURI = string(make([]byte, 300)) },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.Create(h.ctx, h.config(mut))
			require.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestCreateTakesPrizeDepositAndRejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	h.fund(prizeTok, creator, 5_000)
	cfg := h.config(func(c *domain.RaffleConfig) { c.PrizeQuantity = 2; c.PrizeDecimals = 3 })

	r, err := h.engine.Create(h.ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.RaffleOpen, r.State)
	assert.Equal(t, uint64(2_000), r.PrizeEscrow.Amount)
	assert.Equal(t, uint64(3_000), h.balance(prizeTok, creator))
	assert.Equal(t, h.engine.Factory().DeriveRaffle(creator, costTok, prizeTok), r.Address)

	_, err = h.engine.Create(h.ctx, cfg)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
	assert.Equal(t, uint64(3_000), h.balance(prizeTok, creator))
}

func TestCreateInsufficientFundsLeavesNothing(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Create(h.ctx, h.config(nil))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	addr := h.engine.Factory().DeriveRaffle(creator, costTok, prizeTok)
	_, err = h.engine.Get(h.ctx, addr)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBuyTicketChecks(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) {
		c.Start = c.Start.Add(time.Minute)
		c.End = c.Start.Add(time.Hour)
		c.MaxEntries = 2000
		c.CostDecimals = 2
	})
	h.fund(costTok, alice, 150)

	require.ErrorIs(t, h.buy(common.HexToAddress("0xdead"), alice, 1), domain.ErrNotFound)
	require.ErrorIs(t, h.buy(r.Address, alice, 0), domain.ErrInvalidQuantity)
	require.ErrorIs(t, h.buy(r.Address, alice, 1001), domain.ErrTooManyTickets)
	require.ErrorIs(t, h.buy(r.Address, alice, 1), domain.ErrNotYetOpen)

	h.clock.Advance(time.Minute)
	require.ErrorIs(t, h.buy(r.Address, alice, 2), domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(150), h.balance(costTok, alice))

	require.NoError(t, h.buy(r.Address, alice, 1))
	assert.Equal(t, uint64(50), h.balance(costTok, alice))

	h.clock.Advance(time.Hour)
	require.ErrorIs(t, h.buy(r.Address, alice, 1), domain.ErrWindowElapsed)
}

func TestTicketsSoldIsSumOfPurchases(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) { c.MaxEntries = 10 })
	h.fund(costTok, alice, 100)
	h.fund(costTok, bob, 100)

	var sum uint64
	for i, q := range []uint64{3, 1, 4, 1} {
		buyer := alice
		if i%2 == 1 {
			buyer = bob
		}
		require.NoError(t, h.buy(r.Address, buyer, q))
		sum += q
	}
	require.ErrorIs(t, h.buy(r.Address, alice, 2), domain.ErrSoldOut)
	require.NoError(t, h.buy(r.Address, alice, 1))
	sum++

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, sum, got.TicketsSold)
	assert.Equal(t, uint64(2), got.UniqueEntries)
	assert.Equal(t, domain.RaffleSoldOut, got.State)

	entries, err := h.engine.Entries(h.ctx, r.Address)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, uint64(9), entries[4].Offset)
}

func TestSelectWinnerIdempotentAndDeterministic(t *testing.T) {
	seed := []byte("fixed")
	run := func() []domain.Winner {
		h := newHarness(t, seed, []byte("other"))
		r := h.create(nil)
		h.fund(costTok, alice, 1)
		h.fund(costTok, bob, 2)
		require.NoError(t, h.buy(r.Address, alice, 1))
		require.NoError(t, h.buy(r.Address, bob, 2))

		first, err := h.engine.SelectWinner(h.ctx, r.Address)
		require.NoError(t, err)
		again, err := h.engine.SelectWinner(h.ctx, r.Address)
		require.NoError(t, err)
		assert.Equal(t, first, again)
		assert.Equal(t, 1, h.source.Calls(), "second call must not resample")
		return first
	}
	assert.Equal(t, run(), run())
}

func TestSelectWinnerWrongState(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 1)
	require.NoError(t, h.buy(r.Address, alice, 1))

	_, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrWrongState)

	h.clock.Advance(time.Hour)
	winners, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, alice, winners[0].Buyer)
}

func TestDisburseFixedAndIdempotent(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) { c.PrizeQuantity = 5; c.PerWin = 5; c.PrizeDecimals = 2 })
	h.fund(costTok, alice, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.buy(r.Address, alice, 1))
	}

	_, err := h.engine.Disburse(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrWrongState)

	_, err = h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)

	d, err := h.engine.Disburse(h.ctx, r.Address)
	require.NoError(t, err)
	assert.False(t, d.Repeated)
	assert.Equal(t, uint64(500), d.Total)
	assert.Equal(t, uint64(500), h.balance(prizeTok, alice))

	again, err := h.engine.Disburse(h.ctx, r.Address)
	require.NoError(t, err)
	assert.True(t, again.Repeated)
	assert.Equal(t, d.Payouts, again.Payouts)
	assert.Equal(t, uint64(500), h.balance(prizeTok, alice))

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, domain.RaffleDisbursed, got.State)
	assert.Zero(t, got.PrizeEscrow.Amount)
	assert.Equal(t, uint64(1), got.PrizesSent)
}

func TestDisburseProportional(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) {
		c.Fixed = false
		c.PrizeQuantity = 10
		c.PerWin = 10
		c.MaxEntries = 4
	})
	h.fund(costTok, alice, 1)
	require.NoError(t, h.buy(r.Address, alice, 1))
	h.clock.Advance(time.Hour)
	_, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)

	d, err := h.engine.Disburse(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), d.Total, "10 * 1/4 rounds down")

	set, err := h.engine.Close(h.ctx, r.Address, creator, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), set.PrizeReturned)
}

func TestWinMultipleDrawsDistinctBuyers(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) {
		c.WinMultiple = true
		c.PrizeQuantity = 6
		c.PerWin = 2
		c.MaxEntries = 10
	})
	for _, b := range []common.Address{alice, bob, carol} {
		h.fund(costTok, b, 5)
	}
	require.NoError(t, h.buy(r.Address, alice, 4))
	require.NoError(t, h.buy(r.Address, bob, 1))
	require.NoError(t, h.buy(r.Address, carol, 2))
	require.NoError(t, h.buy(r.Address, alice, 1))
	h.clock.Advance(time.Hour)

	winners, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)
	require.Len(t, winners, 3)
	seen := map[common.Address]bool{}
	for _, w := range winners {
		assert.False(t, seen[w.Buyer])
		seen[w.Buyer] = true
	}

	d, err := h.engine.Disburse(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), d.Total)
	for _, b := range []common.Address{alice, bob, carol} {
		assert.Equal(t, uint64(2), h.balance(prizeTok, b))
	}

	v, err := h.engine.Verify(h.ctx, r.Address)
	require.NoError(t, err)
	assert.True(t, v.Match)
}

func TestCloseBurnVersusRefund(t *testing.T) {
	for _, burn := range []bool{true, false} {
		h := newHarness(t)
		r := h.create(func(c *domain.RaffleConfig) { c.Burn = burn; c.Price = 2 })
		h.fund(costTok, alice, 6)
		require.NoError(t, h.buy(r.Address, alice, 3))
		_, err := h.engine.SelectWinner(h.ctx, r.Address)
		require.NoError(t, err)
		_, err = h.engine.Disburse(h.ctx, r.Address)
		require.NoError(t, err)

		set, err := h.engine.Close(h.ctx, r.Address, creator, false)
		require.NoError(t, err)
		assert.Equal(t, domain.RaffleClosed, set.FinalState)

		var burned uint64
		require.NoError(t, h.store.WithinTx(h.ctx, func(tx domain.RaffleTx) error {
			burned, err = tx.Burned(h.ctx, costTok)
			return err
		}))
		if burn {
			assert.Equal(t, uint64(6), set.CostBurned)
			assert.Equal(t, uint64(6), burned)
			assert.Zero(t, h.balance(costTok, creator))
		} else {
			assert.Equal(t, uint64(6), set.CostRefunded)
			assert.Zero(t, burned)
			assert.Equal(t, uint64(6), h.balance(costTok, creator))
		}
	}
}

func TestForceCloseWithSalesRefundsCreatorWithoutBurn(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) { c.Burn = true })
	h.fund(costTok, alice, 2)
	require.NoError(t, h.buy(r.Address, alice, 2))

	set, err := h.engine.Close(h.ctx, r.Address, authority, true)
	require.NoError(t, err)
	assert.True(t, set.Forced)
	assert.Equal(t, uint64(2), set.CostRefunded)
	assert.Zero(t, set.CostBurned)
	assert.Equal(t, uint64(2), h.balance(costTok, creator))
}

func TestCloseAuthorisation(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	_, err := h.engine.Close(h.ctx, r.Address, alice, true)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCreatorCannotForceCloseMidSale(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 2)
	require.NoError(t, h.buy(r.Address, alice, 2))

	_, err := h.engine.Close(h.ctx, r.Address, creator, true)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.CostEscrow.Amount)
	assert.Zero(t, h.balance(costTok, creator))

	_, err = h.engine.Close(h.ctx, r.Address, authority, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.balance(costTok, creator))
}

func TestBuyAfterDrawIsRaffleClosed(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 2)
	require.NoError(t, h.buy(r.Address, alice, 1))

	h.clock.Advance(time.Hour)
	_, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)

	err = h.buy(r.Address, alice, 1)
	require.ErrorIs(t, err, domain.ErrRaffleClosed)
	assert.Equal(t, uint64(1), h.balance(costTok, alice))

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.TicketsSold)
}

func TestDisburseWithDrainedEscrowIsFatalShortfall(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 1)
	require.NoError(t, h.buy(r.Address, alice, 1))
	h.clock.Advance(time.Hour)
	_, err := h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)

	require.NoError(t, h.store.WithinTx(h.ctx, func(tx domain.RaffleTx) error {
		cur, err := tx.GetRaffle(h.ctx, r.Address)
		if err != nil {
			return err
		}
		cur.PrizeEscrow.Amount = 0
		cur.Version++
		return tx.UpdateRaffle(h.ctx, cur)
	}))
	before, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)

	_, err = h.engine.Disburse(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrEscrowShortfall)
	assert.True(t, domain.Fatal(err))
	assert.False(t, domain.Retryable(err))

	after, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, domain.RaffleWinnerSelected, after.State)
	assert.Zero(t, h.balance(prizeTok, alice))
}

// recordingCache is a map-backed RaffleCache that counts writes.
type recordingCache struct {
	mu   sync.Mutex
	m    map[common.Address]domain.Raffle
	sets int
}

func (c *recordingCache) Set(_ context.Context, r domain.Raffle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[r.Address] = r
	c.sets++
	return nil
}

func (c *recordingCache) Get(_ context.Context, addr common.Address) (domain.Raffle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[addr]
	if !ok {
		return domain.Raffle{}, domain.ErrNotFound
	}
	return r, nil
}

func (c *recordingCache) Invalidate(_ context.Context, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, addr)
	return nil
}

func TestCacheIsWrittenOnlyByCommits(t *testing.T) {
	h := newHarness(t)
	cache := &recordingCache{m: make(map[common.Address]domain.Raffle)}
	h.engine.events.Cache = cache

	r := h.create(nil)
	require.Equal(t, 1, cache.sets)

	require.NoError(t, cache.Invalidate(h.ctx, r.Address))
	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, r.Address, got.Address)
	assert.Equal(t, 1, cache.sets, "a read miss must not fill the cache")

	h.clock.Advance(time.Hour)
	_, err = h.engine.Close(h.ctx, r.Address, creator, false)
	require.NoError(t, err)

	_, err = h.engine.Get(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = cache.Get(h.ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseEmptyExpiredAndRecreate(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)

	_, err := h.engine.Close(h.ctx, r.Address, creator, false)
	require.ErrorIs(t, err, domain.ErrWrongState)

	h.clock.Advance(time.Hour)
	_, err = h.engine.Close(h.ctx, r.Address, creator, false)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	again := h.create(nil)
	assert.Equal(t, r.Address, again.Address)
}

func TestPrizeConservationAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	h.fund(prizeTok, creator, 100)
	cfg := h.config(func(c *domain.RaffleConfig) {
		c.Fixed = false
		c.PrizeQuantity = 30
		c.PerWin = 30
		c.MaxEntries = 7
	})
	r, err := h.engine.Create(h.ctx, cfg)
	require.NoError(t, err)
	deposit := r.PrizeEscrow.Amount

	h.fund(costTok, bob, 5)
	require.NoError(t, h.buy(r.Address, bob, 5))
	h.clock.Advance(time.Hour)
	_, err = h.engine.SelectWinner(h.ctx, r.Address)
	require.NoError(t, err)
	d, err := h.engine.Disburse(h.ctx, r.Address)
	require.NoError(t, err)
	set, err := h.engine.Close(h.ctx, r.Address, creator, false)
	require.NoError(t, err)

	assert.Equal(t, deposit, d.Total+set.PrizeReturned)
	assert.Equal(t, uint64(100), h.balance(prizeTok, creator)+h.balance(prizeTok, bob))
}

func TestFailedOperationLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 1)
	before, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)

	require.Error(t, h.buy(r.Address, alice, 2))
	after, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(1), h.balance(costTok, alice))
}

func TestConcurrentBuyersNeverOversell(t *testing.T) {
	h := newHarness(t)
	r := h.create(func(c *domain.RaffleConfig) { c.MaxEntries = 50 })
	buyers := make([]common.Address, 20)
	for i := range buyers {
		buyers[i] = common.BigToAddress(new(big.Int).Lsh(big.NewInt(1), uint(i+8)))
		h.fund(costTok, buyers[i], 10)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := uint64(0)
	for _, b := range buyers {
		wg.Add(1)
		go func(b common.Address) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				err := h.buy(r.Address, b, 1)
				if err == nil {
					mu.Lock()
					sold++
					mu.Unlock()
				} else if !errors.Is(err, domain.ErrSoldOut) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(b)
	}
	wg.Wait()

	got, err := h.engine.Get(h.ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), got.TicketsSold)
	assert.Equal(t, uint64(50), sold)
	assert.Equal(t, uint64(50), got.CostEscrow.Amount)
}

func TestKeeperDrawsAndPays(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	h.fund(costTok, alice, 1)
	require.NoError(t, h.buy(r.Address, alice, 1))

	k := NewKeeper(h.engine, time.Second, discardLogger())
	n, err := k.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(time.Hour)
	n, err = k.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), h.balance(prizeTok, alice))

	entries, err := h.audit.List(h.ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, EventDisbursed, entries[0].Event)
}

type heldLocks struct{ calls int }

func (l *heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.calls++
	return nil, domain.ErrLockHeld
}

func TestDistributedLockHeld(t *testing.T) {
	h := newHarness(t)
	r := h.create(nil)
	locks := &heldLocks{}
	e := NewEngine(h.store, h.source, crypto.NewAccountFactory(program), nil,
		Options{Locks: locks, LockWait: 60 * time.Millisecond, Now: h.clock.Now}, discardLogger())

	_, err := e.BuyTicket(h.ctx, r.Address, alice, 1)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Greater(t, locks.calls, 1)
}
