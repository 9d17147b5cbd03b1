package bitmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

const wordSize = 64

var (
	ErrAlreadySet = errors.New("claim bit already set")
	ErrOutOfRange = errors.New("index outside claim bitmap")
)

// Bitmap records, one bit per allocation index, which entries were consumed.
// Bits only ever go from 0 to 1.
type Bitmap struct {
	mu    sync.RWMutex
	size  uint64
	words []uint64
}

func New(size uint64) *Bitmap {
	return &Bitmap{
		size:  size,
		words: make([]uint64, (size+wordSize-1)/wordSize),
	}
}

func (b *Bitmap) Size() uint64 {
	return b.size
}

func (b *Bitmap) IsClaimed(index uint64) bool {
	if index >= b.size {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.words[index/wordSize]&(1<<(index%wordSize)) != 0
}

// SetClaimed flips the bit for index. Setting a bit twice is an error: the
// caller is expected to hold the index lock across IsClaimed and SetClaimed.
func (b *Bitmap) SetClaimed(index uint64) error {
	if index >= b.size {
		return fmt.Errorf("%w: %d >= %d", ErrOutOfRange, index, b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mask := uint64(1) << (index % wordSize)
	word := &b.words[index/wordSize]
	if *word&mask != 0 {
		return fmt.Errorf("%w: %d", ErrAlreadySet, index)
	}
	*word |= mask
	return nil
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n int
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return uint64(n)
}

// Bytes packs the bitmap little-endian, bit i of the result is index i.
// The output is ceil(size/8) bytes long.
func (b *Bitmap) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := make([]byte, len(b.words)*8)
	for i, w := range b.words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf[:(b.size+7)/8]
}

// FromBytes restores a bitmap written by Bytes.
func FromBytes(size uint64, data []byte) (*Bitmap, error) {
	if uint64(len(data)) != (size+7)/8 {
		return nil, fmt.Errorf("bitmap length %d does not fit size %d", len(data), size)
	}
	b := New(size)
	padded := make([]byte, len(b.words)*8)
	copy(padded, data)
	for i := range b.words {
		b.words[i] = binary.LittleEndian.Uint64(padded[i*8:])
	}
	if size%wordSize != 0 && len(b.words) > 0 {
		last := b.words[len(b.words)-1]
		if last>>(size%wordSize) != 0 {
			return nil, errors.New("bitmap has bits beyond its size")
		}
	}
	return b, nil
}
