package ledger

import (
	"fmt"
	"math"
)

const (
	// MaxEntryPayload is the largest payload (encoding minus header) the
	// ledger accepts.
	MaxEntryPayload = 10240

	// ChainCreationSurcharge is added to the first entry's cost when a chain
	// is created.
	ChainCreationSurcharge = 10

	// MaxCredits is the largest cost a commit can carry in its one-byte field.
	MaxCredits = math.MaxInt8
)

// CostFunc maps the length of an encoded entry to a number of entry
// credits. Implementations must be non-decreasing in encodedLen.
type CostFunc func(encodedLen int) (int, error)

// DefaultCost is the public fee schedule: one credit per started KiB of
// payload, at least one credit, payloads over 10 KiB rejected.
func DefaultCost(encodedLen int) (int, error) {
	payload := encodedLen - HeaderSize
	if payload < 0 {
		return 0, newError(KindCost, "entry cost", "",
			fmt.Sprintf("encoded length %d is shorter than the header", encodedLen))
	}
	if payload > MaxEntryPayload {
		return 0, newError(KindCost, "entry cost", "",
			fmt.Sprintf("payload %d bytes exceeds limit %d", payload, MaxEntryPayload))
	}
	n := payload / 1024
	if payload%1024 > 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n, nil
}

// FlatCost returns a CostFunc charging n credits per entry regardless of size.
func FlatCost(n int) CostFunc {
	return func(int) (int, error) { return n, nil }
}

// CreditByte converts a computed cost into the one-byte credits field.
// A cost outside [0, MaxCredits] is rejected rather than wrapped or
// saturated: a wrapped or clamped value would under-pay the node, which
// would then accept the commit and refuse the reveal.
func CreditByte(cost int) (byte, error) {
	if cost < 0 || cost > MaxCredits {
		return 0, newError(KindCost, "credit byte", "",
			fmt.Sprintf("cost %d outside [0, %d]", cost, MaxCredits))
	}
	return byte(cost), nil
}

// EntryCost applies fn to the encoded length of e.
func EntryCost(e *Entry, fn CostFunc) (int, error) {
	if fn == nil {
		fn = DefaultCost
	}
	enc, err := e.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return fn(len(enc))
}

// ChainCost is EntryCost of the first entry plus ChainCreationSurcharge.
func ChainCost(c *Chain, fn CostFunc) (int, error) {
	n, err := EntryCost(c.FirstEntry, fn)
	if err != nil {
		return 0, err
	}
	return n + ChainCreationSurcharge, nil
}
