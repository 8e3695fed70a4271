package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/raffler/internal/domain"
	"github.com/alanyoungcy/raffler/internal/ticketbook"
)

// Object names under a raffle's archive prefix.
const (
	ArchiveRoot   = "archive/raffles/"
	headerObject  = "header.json"
	entriesObject = "entries.jsonl"
	bookObject    = "book.bin"

	// books above this size go through the multipart uploader
	multipartThreshold = 1 << 20
)

// ArchivePrefix returns the object prefix of a raffle archive.
func ArchivePrefix(addr common.Address) string {
	return ArchiveRoot + addr.Hex() + "/"
}

// Archiver implements domain.Archiver. A closed raffle is written as its
// final header, its entries one JSON object per line, and the ticket book in
// the fixed binary layout.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver builds an Archiver. reader may be nil when only writes are
// needed.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

func (a *Archiver) ArchiveRaffle(ctx context.Context, r domain.Raffle, entries []domain.TicketEntry) (string, error) {
	prefix := ArchivePrefix(r.Address)

	header, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal header %s: %w", r.Address.Hex(), err)
	}
	if err := a.writer.Put(ctx, prefix+headerObject, bytes.NewReader(header), "application/json"); err != nil {
		return "", err
	}

	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("s3blob: encode entry of %s: %w", r.Address.Hex(), err)
		}
	}
	if err := a.writer.Put(ctx, prefix+entriesObject, &lines, "application/x-ndjson"); err != nil {
		return "", err
	}

	book, err := ticketbook.Restore(r.Address, r.MaxEntries, entries)
	if err != nil {
		return "", fmt.Errorf("s3blob: restore book %s: %w", r.Address.Hex(), err)
	}
	blob, err := book.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("s3blob: encode book %s: %w", r.Address.Hex(), err)
	}
	if len(blob) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, prefix+bookObject, bytes.NewReader(blob), minPartSize)
	} else {
		err = a.writer.Put(ctx, prefix+bookObject, bytes.NewReader(blob), "application/octet-stream")
	}
	if err != nil {
		return "", err
	}
	return prefix, nil
}

// Archived is a raffle read back from the archive.
type Archived struct {
	Raffle  domain.Raffle        `json:"raffle"`
	Entries []domain.TicketEntry `json:"entries"`
}

// Load reads an archived raffle. It returns domain.ErrNotFound when no
// archive exists for addr.
func (a *Archiver) Load(ctx context.Context, addr common.Address) (Archived, error) {
	if a.reader == nil {
		return Archived{}, fmt.Errorf("s3blob: load %s: no reader: %w", addr.Hex(), domain.ErrNotFound)
	}
	prefix := ArchivePrefix(addr)
	ok, err := a.reader.Exists(ctx, prefix+headerObject)
	if err != nil {
		return Archived{}, err
	}
	if !ok {
		return Archived{}, fmt.Errorf("s3blob: archive %s: %w", addr.Hex(), domain.ErrNotFound)
	}

	var out Archived
	if err := a.readObject(ctx, prefix+headerObject, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&out.Raffle)
	}); err != nil {
		return Archived{}, err
	}
	if err := a.readObject(ctx, prefix+entriesObject, func(body io.Reader) error {
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			var e domain.TicketEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				return err
			}
			out.Entries = append(out.Entries, e)
		}
		return sc.Err()
	}); err != nil {
		return Archived{}, err
	}
	return out, nil
}

// ListArchived returns the addresses with an archive, in key order.
func (a *Archiver) ListArchived(ctx context.Context) ([]common.Address, error) {
	if a.reader == nil {
		return nil, nil
	}
	infos, err := a.reader.List(ctx, ArchiveRoot)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, info := range infos {
		rest := strings.TrimPrefix(info.Path, ArchiveRoot)
		addr, name, ok := strings.Cut(rest, "/")
		if !ok || name != headerObject || !common.IsHexAddress(addr) {
			continue
		}
		out = append(out, common.HexToAddress(addr))
	}
	return out, nil
}

func (a *Archiver) readObject(ctx context.Context, path string, fn func(io.Reader) error) error {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := fn(body); err != nil {
		return fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return nil
}
