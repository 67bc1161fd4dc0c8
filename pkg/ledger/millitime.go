package ledger

import (
	"encoding/binary"
	"time"
)

// MilliTime returns the low six bytes of t's Unix millisecond timestamp,
// big-endian.
func MilliTime(t time.Time) [6]byte {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], uint64(t.UnixMilli()))
	var out [6]byte
	copy(out[:], full[2:])
	return out
}

// MilliTimeValue is the inverse of MilliTime for timestamps that fit in 48 bits.
func MilliTimeValue(mt [6]byte) int64 {
	var full [8]byte
	copy(full[2:], mt[:])
	return int64(binary.BigEndian.Uint64(full[:]))
}
