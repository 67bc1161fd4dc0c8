package nodestore

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// MerkleRoot returns the binary Merkle root of hashes. Odd levels duplicate
// their last node. The root of a single hash is the hash itself and the root
// of none is the zero hash.
func MerkleRoot(hashes []ledger.Hash) ledger.Hash {
	if len(hashes) == 0 {
		return ledger.ZeroHash
	}
	level := append([]ledger.Hash(nil), hashes...)
	buf := make([]byte, 2*ledger.HashSize)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0:0]
		for i := 0; i < len(level); i += 2 {
			copy(buf, level[i][:])
			copy(buf[ledger.HashSize:], level[i+1][:])
			next = append(next, ledger.Sha256(buf))
		}
		level = next
	}
	return level[0]
}

// headerBytes is chain id | prev key MR | sequence uint32 | entry count uint32.
func headerBytes(h ledger.EntryBlockHeader, count int) []byte {
	buf := make([]byte, 0, 2*ledger.HashSize+8)
	buf = append(buf, h.ChainID[:]...)
	buf = append(buf, h.PrevKeyMR[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.BlockSequenceNumber)
	buf = binary.BigEndian.AppendUint32(buf, uint32(count))
	return buf
}

// ComputeKeyMR returns SHA256(SHA256(header) | body Merkle root).
func ComputeKeyMR(h ledger.EntryBlockHeader, entries []ledger.EntryRef) ledger.Hash {
	hashes := make([]ledger.Hash, len(entries))
	for i, r := range entries {
		hashes[i] = r.EntryHash
	}
	body := MerkleRoot(hashes)
	head := ledger.Sha256(headerBytes(h, len(entries)))

	buf := make([]byte, 0, 2*ledger.HashSize)
	buf = append(buf, head[:]...)
	buf = append(buf, body[:]...)
	return ledger.Sha256(buf)
}

// assembleBlock builds the next block of chainID and computes its key MR.
func assembleBlock(chainID, prev ledger.Hash, seq uint32, now time.Time, refs []ledger.EntryRef) *ledger.EntryBlock {
	b := &ledger.EntryBlock{
		Header: ledger.EntryBlockHeader{
			BlockSequenceNumber: seq,
			ChainID:             chainID,
			PrevKeyMR:           prev,
			Timestamp:           now.Unix(),
		},
		EntryList: refs,
	}
	b.KeyMR = ComputeKeyMR(b.Header, b.EntryList)
	return b
}

// verifyChain walks back from head through get and checks every block's key
// MR, chain id and sequence number.
func verifyChain(chainID, head ledger.Hash, get func(ledger.Hash) (*ledger.EntryBlock, error)) error {
	want := -1
	seen := make(map[ledger.Hash]struct{})
	for cur := head; !cur.IsZero(); {
		if _, ok := seen[cur]; ok {
			return fmt.Errorf("block %s: back-links form a cycle", cur)
		}
		seen[cur] = struct{}{}

		b, err := get(cur)
		if err != nil {
			return fmt.Errorf("block %s: %w", cur, err)
		}
		if b.Header.ChainID != chainID {
			return fmt.Errorf("block %s: belongs to chain %s", cur, b.Header.ChainID)
		}
		if got := ComputeKeyMR(b.Header, b.EntryList); got != cur {
			return fmt.Errorf("block %s: key MR recomputes to %s", cur, got)
		}
		seq := int(b.Header.BlockSequenceNumber)
		if want >= 0 && seq != want {
			return fmt.Errorf("block %s: sequence %d, want %d", cur, seq, want)
		}
		if b.Header.PrevKeyMR.IsZero() && seq != 0 {
			return fmt.Errorf("block %s: genesis block has sequence %d", cur, seq)
		}
		want = seq - 1
		cur = b.Header.PrevKeyMR
	}
	return nil
}
