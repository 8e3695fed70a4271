package ticketbook

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Binary layout of a persisted book:
//
//	[0:20)   raffle address
//	[20:24)  entry count, little-endian uint32
//	[24:)    capacity slots of EntrySize bytes each
//
// A slot is [20 buyer][8 LE quantity][8 LE offset]. Unused slots are zero,
// so the allocation depends only on capacity.
const (
	HeaderSize = common.AddressLength + 4
	EntrySize  = common.AddressLength + 8 + 8
)

// SizeFor returns the number of bytes allocated for a book of capacity
// entries.
func SizeFor(capacity uint64) int {
	return HeaderSize + int(capacity)*EntrySize
}

// MarshalBinary encodes the book in its fixed-size layout.
func (b *Book) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeFor(uint64(b.Cap())))
	copy(buf[0:common.AddressLength], b.raffle.Bytes())
	binary.LittleEndian.PutUint32(buf[common.AddressLength:HeaderSize], uint32(len(b.entries)))
	for i, e := range b.entries {
		putSlot(buf, i, e.Buyer, e.Quantity, e.Offset)
	}
	return buf, nil
}

// UnmarshalBinary decodes a book written by MarshalBinary. Capacity is
// inferred from the buffer length.
func (b *Book) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize+EntrySize || (len(data)-HeaderSize)%EntrySize != 0 {
		return fmt.Errorf("%w: length %d", ErrCorrupt, len(data))
	}
	capacity := uint64((len(data) - HeaderSize) / EntrySize)
	n := uint64(binary.LittleEndian.Uint32(data[common.AddressLength:HeaderSize]))
	if n > capacity {
		return fmt.Errorf("%w: count %d exceeds capacity %d", ErrCorrupt, n, capacity)
	}
	raffle := common.BytesToAddress(data[0:common.AddressLength])
	fresh, err := New(raffle, capacity)
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		buyer, qty, off := readSlot(data, i)
		if off != fresh.sold {
			return fmt.Errorf("%w: slot %d offset %d, want %d", ErrCorrupt, i, off, fresh.sold)
		}
		if _, err := fresh.Append(buyer, qty); err != nil {
			return fmt.Errorf("%w: slot %d: %v", ErrCorrupt, i, err)
		}
	}
	*b = *fresh
	return nil
}

// PutSlot writes entry i into an already allocated layout buffer and bumps
// the count. Stores that keep the blob in place use it to append without
// re-encoding the whole book.
func PutSlot(buf []byte, i int, buyer common.Address, quantity, offset uint64) error {
	if i < 0 || HeaderSize+(i+1)*EntrySize > len(buf) {
		return fmt.Errorf("%w: slot %d does not fit %d bytes", ErrOutOfRange, i, len(buf))
	}
	putSlot(buf, i, buyer, quantity, offset)
	if n := binary.LittleEndian.Uint32(buf[common.AddressLength:HeaderSize]); uint32(i+1) > n {
		binary.LittleEndian.PutUint32(buf[common.AddressLength:HeaderSize], uint32(i+1))
	}
	return nil
}

func putSlot(buf []byte, i int, buyer common.Address, quantity, offset uint64) {
	base := HeaderSize + i*EntrySize
	copy(buf[base:base+common.AddressLength], buyer.Bytes())
	binary.LittleEndian.PutUint64(buf[base+common.AddressLength:], quantity)
	binary.LittleEndian.PutUint64(buf[base+common.AddressLength+8:], offset)
}

func readSlot(buf []byte, i int) (common.Address, uint64, uint64) {
	base := HeaderSize + i*EntrySize
	buyer := common.BytesToAddress(buf[base : base+common.AddressLength])
	qty := binary.LittleEndian.Uint64(buf[base+common.AddressLength:])
	off := binary.LittleEndian.Uint64(buf[base+common.AddressLength+8:])
	return buyer, qty, off
}
