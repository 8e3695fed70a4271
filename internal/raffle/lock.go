package raffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
)

const lockStripes = 64

// keyedMutex serialises work per raffle address inside one process. Raffle
// addresses are keccak outputs, so the last byte spreads them evenly.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyedMutex) lock(addr common.Address) func() {
	m := &k.stripes[int(addr[common.AddressLength-1])%lockStripes]
	m.Lock()
	return m.Unlock
}

const lockRetryDelay = 25 * time.Millisecond

// exclusive runs fn while holding the in-process stripe for addr and, when
// configured, the distributed lock "raffle:{addr}".
func (e *Engine) exclusive(ctx context.Context, addr common.Address, fn func() error) error {
	unlock := e.mu.lock(addr)
	defer unlock()

	if e.opts.Locks == nil {
		return fn()
	}
	release, err := e.acquire(ctx, "raffle:"+addr.Hex())
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// acquire retries a held lock until opts.LockWait has passed.
func (e *Engine) acquire(ctx context.Context, key string) (func(), error) {
	deadline := time.Now().Add(e.opts.LockWait)
	for {
		release, err := e.opts.Locks.Acquire(ctx, key, e.opts.LockTTL)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || !time.Now().Before(deadline) {
			return nil, fmt.Errorf("raffle: lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
}
