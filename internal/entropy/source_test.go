package entropy

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/raffler/internal/domain"
)

func TestReduceMatchesHashModulo(t *testing.T) {
	seed := []byte("block-hash")
	sum := sha256.Sum256(seed)
	want := binary.LittleEndian.Uint64(sum[:8]) % 7

	got, err := Reduce(seed, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReduceIsDeterministicAndBounded(t *testing.T) {
	seed := []byte{1, 2, 3, 4}
	for draw := uint32(0); draw < 20; draw++ {
		a, err := Reduce(seed, draw, 3)
		require.NoError(t, err)
		b, err := Reduce(seed, draw, 3)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Less(t, a, uint64(3))
	}
	_, err := Reduce(seed, 0, 0)
	require.ErrorIs(t, err, ErrEmptyRange)
}

func TestReduceDrawsDiffer(t *testing.T) {
	seed := []byte("same seed")
	seen := map[uint64]bool{}
	for draw := uint32(0); draw < 8; draw++ {
		v, err := Reduce(seed, draw, 1<<62)
		require.NoError(t, err)
		seen[v] = true
	}
	assert.Len(t, seen, 8)
}

func TestFixedSourceCycles(t *testing.T) {
	src := NewFixedSource([]byte{1}, []byte{2})
	ctx := context.Background()

	s1, err := src.Sample(ctx)
	require.NoError(t, err)
	s2, err := src.Sample(ctx)
	require.NoError(t, err)
	s3, err := src.Sample(ctx)
	require.NoError(t, err)

	assert.Equal(t, []byte{1}, s1.Seed)
	assert.Equal(t, []byte{2}, s2.Seed)
	assert.Equal(t, []byte{1}, s3.Seed)
	assert.Equal(t, 3, src.Calls())

	_, err = NewFixedSource().Sample(ctx)
	require.Error(t, err)
}

func TestSystemSource(t *testing.T) {
	a, err := SystemSource{}.Sample(context.Background())
	require.NoError(t, err)
	b, err := SystemSource{}.Sample(context.Background())
	require.NoError(t, err)
	assert.Len(t, a.Seed, 32)
	assert.NotEqual(t, a.Seed, b.Seed)
	assert.Equal(t, "system", a.Source)
}

type fakeHeaders struct {
	head    uint64
	fail    bool
	queried []*big.Int
}

func (f *fakeHeaders) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	f.queried = append(f.queried, n)
	if f.fail {
		return nil, errors.New("rpc down")
	}
	num := new(big.Int).SetUint64(f.head)
	if n != nil {
		num = n
	}
	return &types.Header{Number: num, Extra: []byte("test")}, nil
}

func TestChainSourceUsesConfirmedBlock(t *testing.T) {
	hr := &fakeHeaders{head: 100}
	src := NewChainSource(hr, 3)

	s, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(97), s.Height)
	assert.Len(t, s.Seed, 32)
	require.Len(t, hr.queried, 2)
	assert.Nil(t, hr.queried[0])
	assert.Equal(t, int64(97), hr.queried[1].Int64())

	again, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.Seed, again.Seed, "same block must give the same seed")
}

func TestChainSourceError(t *testing.T) {
	_, err := NewChainSource(&fakeHeaders{fail: true}, 0).Sample(context.Background())
	require.Error(t, err)
}

func entries(qty ...uint64) []domain.TicketEntry {
	out := make([]domain.TicketEntry, len(qty))
	var off uint64
	for i, q := range qty {
		out[i] = domain.TicketEntry{
			Buyer:    common.BigToAddress(big.NewInt(int64(i + 1))),
			Quantity: q,
			Offset:   off,
		}
		off += q
	}
	return out
}

func TestSelectSingleWinnerIsUniformOverTickets(t *testing.T) {
	seed := []byte("seed")
	es := entries(3, 2, 5)
	want, err := Reduce(seed, 0, 10)
	require.NoError(t, err)

	got, err := Select(seed, es, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0].Ticket)

	e := es[got[0].Entry]
	assert.GreaterOrEqual(t, got[0].Ticket, e.Offset)
	assert.Less(t, got[0].Ticket, e.End())
	assert.Equal(t, e.Buyer, got[0].Buyer)
}

func TestSelectMultipleWinnersAreDistinct(t *testing.T) {
	es := entries(1, 4, 2, 7)
	for s := 0; s < 50; s++ {
		seed := []byte{byte(s), byte(s >> 8)}
		got, err := Select(seed, es, 3)
		require.NoError(t, err)
		require.Len(t, got, 3)

		seen := map[common.Address]bool{}
		for _, w := range got {
			assert.False(t, seen[w.Buyer], "buyer drawn twice")
			seen[w.Buyer] = true
		}

		again, err := Select(seed, es, 3)
		require.NoError(t, err)
		assert.Equal(t, got, again)
	}
}

func TestSelectCapsAtUniqueBuyers(t *testing.T) {
	es := entries(2, 3)
	got, err := Select([]byte("x"), es, 5)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = Select([]byte("x"), nil, 1)
	require.ErrorIs(t, err, ErrEmptyRange)
}
