package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/raffler/internal/domain"
)

func TestKeysAreNamespaced(t *testing.T) {
	addr := common.HexToAddress("0xabc")
	assert.Equal(t, "raffler:raffle:"+addr.Hex(), raffleKey(addr))
	assert.Equal(t, "raffler:lock:raffle:x", lockKey("raffle:x"))
	assert.Equal(t, "raffler:ratelimit:k", rateLimitKey("k"))
}

func TestIsPattern(t *testing.T) {
	assert.True(t, isPattern("raffle:*"))
	assert.False(t, isPattern("raffle:events"))
}

func TestStreamPayload(t *testing.T) {
	p, ok := streamPayload(map[string]any{payloadField: "abc"})
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), p)

	_, ok = streamPayload(map[string]any{"other": "abc"})
	assert.False(t, ok)
}

func TestOptionsTLS(t *testing.T) {
	opts := options(ClientConfig{Addr: "localhost:6379", TLSEnabled: true, DialTimeout: time.Second})
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, time.Second, opts.DialTimeout)
	assert.Nil(t, options(ClientConfig{}).TLSConfig)
}

// liveClient connects to RAFFLER_TEST_REDIS_ADDR or skips.
func liveClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("RAFFLER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RAFFLER_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLiveLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager(liveClient(t))
	key := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, key, time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, key, time.Second)
	require.NoError(t, err)
	again()
}

func TestLiveRaffleCache(t *testing.T) {
	ctx := context.Background()
	rc := NewRaffleCache(liveClient(t), time.Minute)
	r := domain.Raffle{Address: common.BytesToAddress(uuid.New().NodeID()), State: domain.RaffleOpen, Version: 2}

	require.NoError(t, rc.Set(ctx, r))
	got, err := rc.Get(ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, r.Version, got.Version)

	require.NoError(t, rc.Invalidate(ctx, r.Address))
	_, err = rc.Get(ctx, r.Address)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLiveRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(liveClient(t))
	key := "test:" + uuid.NewString()
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLiveStream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus(liveClient(t))
	stream := "test:" + uuid.NewString()
	require.NoError(t, bus.StreamAppend(ctx, stream, []byte(`{"event":"raffle_created"}`)))

	msgs, err := bus.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"event":"raffle_created"}`, string(msgs[0].Payload))
}
