package util

import (
	"encoding/binary"
	"math/rand"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// RandomKey returns a key of size bytes drawn from rnd.
// The key is the decimal form of a random number, left padded with zeros
// and truncated to its low digits when longer than size.
// When keySpace is positive the number is in [0, keySpace), so that
// workers sharing a key space can observe each other's writes.
func RandomKey(rnd *rand.Rand, size int, keySpace int64) []byte {
	var n int64
	if keySpace > 0 {
		n = rnd.Int63n(keySpace)
	} else {
		n = rnd.Int63()
	}
	return formatKey(n, size)
}

// GetTestKey returns the key of size bytes for the number i.
func GetTestKey(i int64, size int) []byte {
	return formatKey(i, size)
}

func formatKey(n int64, size int) []byte {
	key := make([]byte, size)
	for i := range key {
		key[i] = '0'
	}
	digits := strconv.AppendInt(nil, n, 10)
	if len(digits) > size {
		digits = digits[len(digits)-size:]
	}
	copy(key[size-len(digits):], digits)
	return key
}

// DerivedValue returns a value of size bytes computed from key,
// the same key always yields the same value.
func DerivedValue(key []byte, size int) []byte {
	value := make([]byte, size)
	var block [8]byte
	h := xxhash.Sum64(key)
	for i := 0; i < size; i += len(block) {
		binary.LittleEndian.PutUint64(block[:], h)
		copy(value[i:], block[:])
		h = xxhash.Sum64(block[:])
	}
	return value
}
