package client

import (
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// The node speaks PascalCase JSON with hex-encoded binary fields. These
// types are shared with the development node so both ends agree on the
// wire format.

// ChainHeadResponse is the body of GET /chain-head/{chainid}.
type ChainHeadResponse struct {
	ChainHead string
}

// EntryBlockResponse is the body of GET /entry-block-by-keymr/{keymr}.
type EntryBlockResponse struct {
	Header    BlockHeader
	EntryList []BlockEntry
}

type BlockHeader struct {
	BlockSequenceNumber uint32
	ChainID             string
	PrevKeyMR           string
	TimeStamp           int64
}

type BlockEntry struct {
	EntryHash string
	TimeStamp int64
}

// EntryResponse is the body of GET /entry-by-hash/{hash}.
type EntryResponse struct {
	ChainID string
	Content string
	ExtIDs  []string
}

// CommitRequest is the body of POST /commit-entry/{name} and /commit-chain/{name}.
type CommitRequest struct {
	Message string
}

// RevealRequest is the body of POST /reveal-entry/ and /reveal-chain/.
type RevealRequest struct {
	Entry string
}

// BalanceResponse is the body of GET /entry-credit-balance/{name}.
type BalanceResponse struct {
	Balance int64
}

// NewEntryBlockResponse converts b into its wire form.
func NewEntryBlockResponse(b *ledger.EntryBlock) *EntryBlockResponse {
	r := &EntryBlockResponse{}
	r.Header.BlockSequenceNumber = b.Header.BlockSequenceNumber
	r.Header.ChainID = b.Header.ChainID.String()
	r.Header.PrevKeyMR = b.Header.PrevKeyMR.String()
	r.Header.TimeStamp = b.Header.Timestamp
	r.EntryList = make([]BlockEntry, len(b.EntryList))
	for i, ref := range b.EntryList {
		r.EntryList[i].EntryHash = ref.EntryHash.String()
		r.EntryList[i].TimeStamp = ref.Timestamp
	}
	return r
}

// Block decodes r into an EntryBlock. The node does not echo the key MR, so
// the caller supplies the one it asked for.
func (r *EntryBlockResponse) Block(keyMR ledger.Hash) (*ledger.EntryBlock, error) {
	chainID, err := ledger.ParseHash(r.Header.ChainID)
	if err != nil {
		return nil, err
	}
	prev, err := ledger.ParseHash(r.Header.PrevKeyMR)
	if err != nil {
		return nil, err
	}
	b := &ledger.EntryBlock{
		KeyMR: keyMR,
		Header: ledger.EntryBlockHeader{
			BlockSequenceNumber: r.Header.BlockSequenceNumber,
			ChainID:             chainID,
			PrevKeyMR:           prev,
			Timestamp:           r.Header.TimeStamp,
		},
		EntryList: make([]ledger.EntryRef, 0, len(r.EntryList)),
	}
	for _, ref := range r.EntryList {
		h, err := ledger.ParseHash(ref.EntryHash)
		if err != nil {
			return nil, err
		}
		b.EntryList = append(b.EntryList, ledger.EntryRef{EntryHash: h, Timestamp: ref.TimeStamp})
	}
	return b, nil
}

// NewEntryResponse converts e into its wire form.
func NewEntryResponse(e *ledger.Entry) *EntryResponse {
	r := &EntryResponse{
		ChainID: e.ChainID.String(),
		Content: ledger.EncodeHex(e.Content),
		ExtIDs:  make([]string, len(e.ExtIDs)),
	}
	for i, x := range e.ExtIDs {
		r.ExtIDs[i] = ledger.EncodeHex(x)
	}
	return r
}

// Entry decodes r into an Entry.
func (r *EntryResponse) Entry() (*ledger.Entry, error) {
	chainID, err := ledger.ParseHash(r.ChainID)
	if err != nil {
		return nil, err
	}
	content, err := ledger.DecodeHex(r.Content)
	if err != nil {
		return nil, err
	}
	e := &ledger.Entry{ChainID: chainID, Content: content}
	for _, x := range r.ExtIDs {
		b, err := ledger.DecodeHex(x)
		if err != nil {
			return nil, err
		}
		e.ExtIDs = append(e.ExtIDs, b)
	}
	return e, nil
}
