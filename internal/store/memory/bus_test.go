package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus()

	all, err := b.Subscribe(ctx, "raffle:*")
	require.NoError(t, err)
	exact, err := b.Subscribe(ctx, "raffle:events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "raffle:events", []byte("a")))
	require.NoError(t, b.Publish(ctx, "wallet:events", []byte("b")))

	assert.Equal(t, []byte("a"), <-all)
	assert.Equal(t, []byte("a"), <-exact)
	select {
	case m := <-all:
		t.Fatalf("unexpected message %q", m)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-all
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBusStreamRead(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.StreamAppend(ctx, "raffle:log", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "raffle:log", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("1"), msgs[0].Payload)

	rest, err := b.StreamRead(ctx, "raffle:log", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("3"), rest[0].Payload)

	_, err = b.StreamRead(ctx, "raffle:log", "bogus", 1)
	assert.Error(t, err)
}
