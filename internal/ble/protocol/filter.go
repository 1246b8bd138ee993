package protocol

import (
	"crypto/sha256"
	"encoding/binary"
)

// MatchAccountKeyFilter reports whether key is a member of the Bloom filter
// a provisioned device advertises. The filter bits for a key are taken from
// SHA-256(key || salt) read as eight big-endian uint32 values, each reduced
// modulo the filter size in bits.
func MatchAccountKeyFilter(filter, salt []byte, key [AccountKeySize]byte) bool {
	if len(filter) == 0 {
		return false
	}
	bits := uint32(len(filter)) * 8
	for _, v := range filterIndexes(salt, key) {
		bit := v % bits
		if filter[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// BuildAccountKeyFilter returns a filter of size bytes containing keys.
// Size should be a little larger than the number of keys; 1.2x plus three
// bytes is what devices use.
func BuildAccountKeyFilter(size int, salt []byte, keys ...[AccountKeySize]byte) []byte {
	filter := make([]byte, size)
	if size == 0 {
		return filter
	}
	bits := uint32(size) * 8
	for _, key := range keys {
		for _, v := range filterIndexes(salt, key) {
			bit := v % bits
			filter[bit/8] |= 1 << (bit % 8)
		}
	}
	return filter
}

// FilterSize returns the filter size used for n keys.
func FilterSize(n int) int {
	size := n*6/5 + 3
	if size > MaxFilterSize {
		return MaxFilterSize
	}
	return size
}

func filterIndexes(salt []byte, key [AccountKeySize]byte) [8]uint32 {
	h := sha256.New()
	h.Write(key[:])
	h.Write(salt)
	sum := h.Sum(nil)

	var out [8]uint32
	for i := range out {
		out[i] = binary.BigEndian.Uint32(sum[i*4:])
	}
	return out
}
