package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// bucket is an in-memory BlobWriter and BlobReader.
type bucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart []string
}

func newBucket() *bucket { return &bucket{objects: map[string][]byte{}} }

func (b *bucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = buf
	return nil
}

func (b *bucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart = append(b.multipart, path)
	b.mu.Unlock()
	return b.Put(ctx, path, data, "")
}

func (b *bucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (b *bucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *bucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func closedRaffle() (domain.Raffle, []domain.TicketEntry) {
	r := domain.Raffle{
		Address:      common.HexToAddress("0x5151"),
		State:        domain.RaffleClosed,
		TicketsSold:  3,
		Closed:       true,
		RaffleConfig: domain.RaffleConfig{MaxEntries: 4, Price: 1},
	}
	entries := []domain.TicketEntry{
		{Buyer: common.HexToAddress("0xb1"), Quantity: 2, Offset: 0},
		{Buyer: common.HexToAddress("0xb2"), Quantity: 1, Offset: 2},
	}
	return r, entries
}

func TestArchiveRaffleWritesThreeObjects(t *testing.T) {
	ctx := context.Background()
	b := newBucket()
	a := NewArchiver(b, b)
	r, entries := closedRaffle()

	prefix, err := a.ArchiveRaffle(ctx, r, entries)
	require.NoError(t, err)
	assert.Equal(t, "archive/raffles/"+r.Address.Hex()+"/", prefix)
	assert.Contains(t, b.objects, prefix+"header.json")
	assert.Contains(t, b.objects, prefix+"entries.jsonl")
	assert.Empty(t, b.multipart)

	book := b.objects[prefix+"book.bin"]
	assert.Len(t, book, ticketbook.SizeFor(4))
	var decoded ticketbook.Book
	require.NoError(t, decoded.UnmarshalBinary(book))
	assert.Equal(t, entries, decoded.Entries())
}

func TestArchiveLoadAndList(t *testing.T) {
	ctx := context.Background()
	b := newBucket()
	a := NewArchiver(b, b)
	r, entries := closedRaffle()
	_, err := a.ArchiveRaffle(ctx, r, entries)
	require.NoError(t, err)

	got, err := a.Load(ctx, r.Address)
	require.NoError(t, err)
	assert.Equal(t, r.Address, got.Raffle.Address)
	assert.Equal(t, domain.RaffleClosed, got.Raffle.State)
	assert.Equal(t, entries, got.Entries)

	addrs, err := a.ListArchived(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{r.Address}, addrs)

	_, err = a.Load(ctx, common.HexToAddress("0x01"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLargeBookUsesMultipart(t *testing.T) {
	b := newBucket()
	a := NewArchiver(b, nil)
	r, entries := closedRaffle()
	r.MaxEntries = ticketbook.MaxCapacity
	_, err := a.ArchiveRaffle(context.Background(), r, entries)
	require.NoError(t, err)
	require.Len(t, b.multipart, 1)
	assert.True(t, strings.HasSuffix(b.multipart[0], "book.bin"))
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio:9000", withScheme("minio:9000", true))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", withScheme("https://s3.example.com", false))
}
