package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// BloomFilter tests membership of document names in the set the backend
// reported as unchanged. Bits are numbered least significant bit first
// within each byte of the bitmap.
type BloomFilter struct {
	bits      *bitset.BitSet
	bitCount  uint64
	hashCount int
}

// NewBloomFilter decodes a filter. padding is the number of unused bits in
// the last byte.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("invalid hash count: %d", hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("invalid hash count: %d", hashCount)
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("invalid padding when bitmap length is 0: %d", padding)
	}
	return &BloomFilter{
		bits:      bitset.From(bytesToWords(bitmap)),
		bitCount:  uint64(len(bitmap)*8 - padding),
		hashCount: hashCount,
	}, nil
}

func bytesToWords(b []byte) []uint64 {
	words := make([]uint64, (len(b)+7)/8)
	for i, v := range b {
		words[i/8] |= uint64(v) << (8 * (i % 8))
	}
	return words
}

func (f *BloomFilter) bitmap(numBytes int) []byte {
	b := make([]byte, numBytes)
	for i := uint64(0); i < f.bitCount; i++ {
		if f.bits.Test(uint(i)) {
			b[i/8] |= 1 << (i % 8)
		}
	}
	return b
}

func (f *BloomFilter) BitCount() int { return int(f.bitCount) }

// MightContain reports whether value may be in the set. False positives
// are possible, false negatives are not.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1, h2 := bloomHashes(value)
	for i := 0; i < f.hashCount; i++ {
		if !f.bits.Test(uint(f.bitIndex(h1, h2, i))) {
			return false
		}
	}
	return true
}

func (f *BloomFilter) bitIndex(h1, h2 uint64, i int) uint64 {
	return (h1 + uint64(i)*h2) % f.bitCount
}

func bloomHashes(value string) (uint64, uint64) {
	sum := md5.Sum([]byte(value))
	return binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:])
}

// BuildBloomFilter encodes values into a filter sized for the given false
// positive rate.
func BuildBloomFilter(values []string, falsePositiveRate float64) *BloomFilterMessage {
	if len(values) == 0 {
		return &BloomFilterMessage{}
	}
	n := float64(len(values))
	bitCount := int(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if bitCount < 8 {
		bitCount = 8
	}
	hashCount := int(math.Round(float64(bitCount) / n * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}

	numBytes := (bitCount + 7) / 8
	f := &BloomFilter{bits: bitset.New(uint(numBytes * 8)), bitCount: uint64(bitCount), hashCount: hashCount}
	for _, v := range values {
		h1, h2 := bloomHashes(v)
		for i := 0; i < hashCount; i++ {
			f.bits.Set(uint(f.bitIndex(h1, h2, i)))
		}
	}
	return &BloomFilterMessage{
		Bitmap:    f.bitmap(numBytes),
		Padding:   numBytes*8 - bitCount,
		HashCount: hashCount,
	}
}
