// Package commit builds and parses the first-phase messages of the
// commit/reveal protocol.
//
// A commit declares an entry by its hash and pays for it without revealing
// its content. Entry commits and chain commits have fixed layouts:
//
//	entry: version(1) | millitime(6) | entry hash(32) | credits(1)
//	chain: version(1) | millitime(6) | SHA256d(chain id)(32) | weld(32) | entry hash(32) | credits(1)
//
// The timestamp is captured once, when the commit is constructed.
package commit

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

const (
	// Version is the only commit version the ledger accepts.
	Version byte = 0

	// EntryCommitSize = 1 + 6 + 32 + 1
	EntryCommitSize = 40

	// ChainCommitSize = 1 + 6 + 32 + 32 + 32 + 1
	ChainCommitSize = 104
)

// EntryCommit pays for a single entry in an existing chain.
type EntryCommit struct {
	Version   byte
	MilliTime [6]byte
	EntryHash ledger.Hash
	Credits   byte
}

// NewEntryCommit hashes and prices e at time now. cost may be nil, in which
// case ledger.DefaultCost applies.
func NewEntryCommit(e *ledger.Entry, now time.Time, cost ledger.CostFunc) (*EntryCommit, error) {
	h, err := ledger.EntryHash(e)
	if err != nil {
		return nil, err
	}
	n, err := ledger.EntryCost(e, cost)
	if err != nil {
		return nil, err
	}
	credits, err := ledger.CreditByte(n)
	if err != nil {
		return nil, err
	}
	return &EntryCommit{
		Version:   Version,
		MilliTime: ledger.MilliTime(now),
		EntryHash: h,
		Credits:   credits,
	}, nil
}

func (c *EntryCommit) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, EntryCommitSize))

	// 1 byte version
	buf.WriteByte(c.Version)

	// 6 byte millitime
	buf.Write(c.MilliTime[:])

	// 32 byte entry hash
	buf.Write(c.EntryHash[:])

	// 1 byte number of entry credits
	buf.WriteByte(c.Credits)

	return buf.Bytes(), nil
}

func (c *EntryCommit) UnmarshalBinary(data []byte) error {
	if len(data) != EntryCommitSize {
		return ledger.NewError(ledger.KindEncoding, "unmarshal entry commit", "",
			fmt.Sprintf("entry commit must be %d bytes, got %d", EntryCommitSize, len(data)))
	}
	c.Version = data[0]
	copy(c.MilliTime[:], data[1:7])
	copy(c.EntryHash[:], data[7:39])
	c.Credits = data[39]
	return nil
}

// Hex returns the hex form submitted to the node.
func (c *EntryCommit) Hex() string {
	b, _ := c.MarshalBinary()
	return ledger.EncodeHex(b)
}

// Time returns the commit timestamp.
func (c *EntryCommit) Time() time.Time {
	return time.UnixMilli(ledger.MilliTimeValue(c.MilliTime))
}

// ChainCommit pays for the creation of a chain together with its first entry.
type ChainCommit struct {
	Version     byte
	MilliTime   [6]byte
	ChainIDHash ledger.Hash
	Weld        ledger.Hash
	EntryHash   ledger.Hash
	Credits     byte
}

// NewChainCommit hashes and prices c at time now. The credits field is the
// first entry's cost plus ledger.ChainCreationSurcharge.
func NewChainCommit(c *ledger.Chain, now time.Time, cost ledger.CostFunc) (*ChainCommit, error) {
	if c == nil || c.FirstEntry == nil {
		return nil, ledger.NewError(ledger.KindDerivation, "new chain commit", "", "chain has no first entry")
	}
	if c.FirstEntry.ChainID != c.ChainID {
		return nil, ledger.NewError(ledger.KindDerivation, "new chain commit", c.ChainID.String(),
			"first entry chain id does not match the chain")
	}
	derived, err := ledger.ComputeChainID(c.FirstEntry.ExtIDs)
	if err != nil {
		return nil, err
	}
	if derived != c.ChainID {
		return nil, ledger.NewError(ledger.KindDerivation, "new chain commit", c.ChainID.String(),
			"chain id is not derived from the first entry's ext-ids")
	}
	h, err := ledger.EntryHash(c.FirstEntry)
	if err != nil {
		return nil, err
	}
	n, err := ledger.ChainCost(c, cost)
	if err != nil {
		return nil, err
	}
	credits, err := ledger.CreditByte(n)
	if err != nil {
		return nil, err
	}
	return &ChainCommit{
		Version:     Version,
		MilliTime:   ledger.MilliTime(now),
		ChainIDHash: ledger.ChainIDHash(c.ChainID),
		Weld:        ledger.Weld(h, c.ChainID),
		EntryHash:   h,
		Credits:     credits,
	}, nil
}

func (c *ChainCommit) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, ChainCommitSize))

	// 1 byte version
	buf.WriteByte(c.Version)

	// 6 byte millitime
	buf.Write(c.MilliTime[:])

	// 32 byte double sha256 hash of the chain id
	buf.Write(c.ChainIDHash[:])

	// 32 byte weld sha256(sha256(entry hash + chain id))
	buf.Write(c.Weld[:])

	// 32 byte entry hash
	buf.Write(c.EntryHash[:])

	// 1 byte number of entry credits
	buf.WriteByte(c.Credits)

	return buf.Bytes(), nil
}

func (c *ChainCommit) UnmarshalBinary(data []byte) error {
	if len(data) != ChainCommitSize {
		return ledger.NewError(ledger.KindEncoding, "unmarshal chain commit", "",
			fmt.Sprintf("chain commit must be %d bytes, got %d", ChainCommitSize, len(data)))
	}
	c.Version = data[0]
	copy(c.MilliTime[:], data[1:7])
	copy(c.ChainIDHash[:], data[7:39])
	copy(c.Weld[:], data[39:71])
	copy(c.EntryHash[:], data[71:103])
	c.Credits = data[103]
	return nil
}

func (c *ChainCommit) Hex() string {
	b, _ := c.MarshalBinary()
	return ledger.EncodeHex(b)
}

func (c *ChainCommit) Time() time.Time {
	return time.UnixMilli(ledger.MilliTimeValue(c.MilliTime))
}

// Matches reports whether c commits to entry e as the first entry of a chain.
func (c *ChainCommit) Matches(e *ledger.Entry) bool {
	h, err := ledger.EntryHash(e)
	if err != nil {
		return false
	}
	return h == c.EntryHash &&
		ledger.ChainIDHash(e.ChainID) == c.ChainIDHash &&
		ledger.Weld(h, e.ChainID) == c.Weld
}

// InTime reports whether the commit timestamp lies within window of now.
// Nodes refuse commits stamped too far in the past or the future.
func (c *EntryCommit) InTime(now time.Time, window time.Duration) bool {
	return inWindow(c.Time(), now, window)
}

func (c *ChainCommit) InTime(now time.Time, window time.Duration) bool {
	return inWindow(c.Time(), now, window)
}

func inWindow(ts, now time.Time, window time.Duration) bool {
	return ts.After(now.Add(-window)) && ts.Before(now.Add(window))
}
