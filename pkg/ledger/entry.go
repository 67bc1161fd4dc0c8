package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// EntryVersion is the only format version the ledger accepts.
	EntryVersion byte = 0

	// HeaderSize = version(1) + chain id(32) + ext-id block size(2)
	HeaderSize = 1 + HashSize + 2

	// MaxExtIDSize is the largest ext-id the 2-byte length prefix can carry.
	MaxExtIDSize = math.MaxUint16
)

// Entry is a single content-addressed record belonging to a chain.
// Treat an Entry as immutable once it has been hashed or committed.
type Entry struct {
	ChainID Hash
	ExtIDs  [][]byte
	Content []byte
}

// NewEntry returns an Entry for an existing chain.
func NewEntry(chainID Hash, content []byte, extIDs ...[]byte) *Entry {
	return &Entry{ChainID: chainID, ExtIDs: extIDs, Content: content}
}

// Chain is a chain identity together with its first entry.
type Chain struct {
	ChainID    Hash
	FirstEntry *Entry
}

// NewChain derives the chain id from first's ext-ids and stamps it onto
// first. The content of first never influences the chain id.
func NewChain(first *Entry) (*Chain, error) {
	if first == nil {
		return nil, newError(KindDerivation, "new chain", "", "first entry is nil")
	}
	id, err := ComputeChainID(first.ExtIDs)
	if err != nil {
		return nil, err
	}
	first.ChainID = id
	return &Chain{ChainID: id, FirstEntry: first}, nil
}

// extIDBlockSize returns the size of the ext-id block: 2 bytes of length
// prefix plus the raw bytes, for every ext-id.
func extIDBlockSize(extIDs [][]byte) (int, error) {
	total := 0
	for i, x := range extIDs {
		if len(x) > MaxExtIDSize {
			return 0, newError(KindEncoding, "marshal entry", "",
				fmt.Sprintf("ext-id %d is %d bytes, max %d", i, len(x), MaxExtIDSize))
		}
		total += 2 + len(x)
	}
	if total > math.MaxUint16 {
		return 0, newError(KindEncoding, "marshal entry", "",
			fmt.Sprintf("ext-id block is %d bytes, max %d", total, math.MaxUint16))
	}
	return total, nil
}

// MarshalBinary returns the canonical encoding of the entry:
//
//	version(1) | chain id(32) | ext-id block size(2, BE) | [len(2, BE) | ext-id]* | content
//
// All integers are big-endian. The content runs to the end of the buffer.
func (e *Entry) MarshalBinary() ([]byte, error) {
	if e.ChainID.IsZero() {
		return nil, newError(KindEncoding, "marshal entry", "", "missing chain id")
	}
	extSize, err := extIDBlockSize(e.ExtIDs)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+extSize+len(e.Content)))

	// 1 byte version
	buf.WriteByte(EntryVersion)

	// 32 byte chain id
	buf.Write(e.ChainID[:])

	// 2 byte ext-id block size
	var size [2]byte
	binary.BigEndian.PutUint16(size[:], uint16(extSize))
	buf.Write(size[:])

	// ext-ids, each length prefixed
	for _, x := range e.ExtIDs {
		binary.BigEndian.PutUint16(size[:], uint16(len(x)))
		buf.Write(size[:])
		buf.Write(x)
	}

	// content
	buf.Write(e.Content)

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes the canonical encoding produced by MarshalBinary.
func (e *Entry) UnmarshalBinary(data []byte) error {
	const op = "unmarshal entry"
	if len(data) < HeaderSize {
		return newError(KindEncoding, op, "",
			fmt.Sprintf("entry is %d bytes, header alone is %d", len(data), HeaderSize))
	}
	if data[0] != EntryVersion {
		return newError(KindEncoding, op, "", fmt.Sprintf("unsupported version %d", data[0]))
	}

	var chainID Hash
	copy(chainID[:], data[1:1+HashSize])
	extSize := int(binary.BigEndian.Uint16(data[1+HashSize : HeaderSize]))

	rest := data[HeaderSize:]
	if extSize > len(rest) {
		return newError(KindEncoding, op, chainID.String(),
			fmt.Sprintf("ext-id block size %d exceeds remaining %d bytes", extSize, len(rest)))
	}

	block := rest[:extSize]
	var extIDs [][]byte
	for len(block) > 0 {
		if len(block) < 2 {
			return newError(KindEncoding, op, chainID.String(), "truncated ext-id length")
		}
		n := int(binary.BigEndian.Uint16(block[:2]))
		block = block[2:]
		if n > len(block) {
			return newError(KindEncoding, op, chainID.String(),
				fmt.Sprintf("ext-id of %d bytes overruns the ext-id block", n))
		}
		x := make([]byte, n)
		copy(x, block[:n])
		extIDs = append(extIDs, x)
		block = block[n:]
	}

	content := make([]byte, len(rest)-extSize)
	copy(content, rest[extSize:])

	e.ChainID = chainID
	e.ExtIDs = extIDs
	e.Content = content
	return nil
}

// PayloadSize returns the number of encoded bytes following the header.
func (e *Entry) PayloadSize() (int, error) {
	b, err := e.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return len(b) - HeaderSize, nil
}
