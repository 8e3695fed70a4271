// Package entropy supplies the random seeds used to draw raffle winners and
// the pure reduction from a seed to a ticket offset.
package entropy

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEmptyRange is returned when reducing into an empty range.
var ErrEmptyRange = errors.New("entropy: empty range")

// Sample is one entropy draw together with where it came from, so a draw can
// be replayed and checked later.
type Sample struct {
	Seed   []byte    `json:"seed"`
	Source string    `json:"source"`
	Height uint64    `json:"height"`
	Taken  time.Time `json:"taken"`
}

// Source yields seeds that are unknown until the moment of the call.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
}

// Reduce maps seed to an offset in [0, n). Draw 0 hashes the seed alone;
// later draws append the big-endian draw number before hashing.
func Reduce(seed []byte, draw uint32, n uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrEmptyRange
	}
	h := sha256.New()
	h.Write(seed)
	if draw > 0 {
		var d [4]byte
		binary.BigEndian.PutUint32(d[:], draw)
		h.Write(d[:])
	}
	v := binary.LittleEndian.Uint64(h.Sum(nil))
	return v % n, nil
}

// SystemSource reads seeds from the operating system CSPRNG.
type SystemSource struct{}

// Sample returns 32 random bytes.
func (SystemSource) Sample(_ context.Context) (Sample, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return Sample{}, fmt.Errorf("entropy: system: %w", err)
	}
	return Sample{Seed: seed, Source: "system", Taken: time.Now().UTC()}, nil
}

// FixedSource replays a fixed list of seeds in order, wrapping around. It is
// used to reproduce recorded draws.
type FixedSource struct {
	mu    sync.Mutex
	seeds [][]byte
	next  int
}

// NewFixedSource returns a FixedSource over seeds.
func NewFixedSource(seeds ...[]byte) *FixedSource {
	return &FixedSource{seeds: seeds}
}

// Sample returns the next seed.
func (f *FixedSource) Sample(_ context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seeds) == 0 {
		return Sample{}, errors.New("entropy: fixed source has no seeds")
	}
	seed := f.seeds[f.next%len(f.seeds)]
	f.next++
	return Sample{
		Seed:   append([]byte(nil), seed...),
		Source: "fixed",
		Height: uint64(f.next),
		Taken:  time.Now().UTC(),
	}, nil
}

// Calls returns how many samples have been taken.
func (f *FixedSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}
