package ledger

// EntryRef points at an entry from inside an EntryBlock. Timestamp is Unix
// seconds as reported by the node.
type EntryRef struct {
	EntryHash Hash  `json:"entry_hash"`
	Timestamp int64 `json:"timestamp"`
}

// EntryBlockHeader carries the back-link to the previous block of the chain.
type EntryBlockHeader struct {
	BlockSequenceNumber uint32 `json:"block_sequence_number"`
	ChainID             Hash   `json:"chain_id"`
	PrevKeyMR           Hash   `json:"prev_key_mr"`
	Timestamp           int64  `json:"timestamp"`
}

// EntryBlock is a node-held batch of entry references for one chain.
type EntryBlock struct {
	KeyMR     Hash             `json:"key_mr"`
	Header    EntryBlockHeader `json:"header"`
	EntryList []EntryRef       `json:"entry_list"`
}

// IsGenesis reports whether b is the first block of its chain.
func (b *EntryBlock) IsGenesis() bool {
	return b.Header.PrevKeyMR.IsZero()
}

// ChainHead is the key MR of a chain's newest EntryBlock. The node is the
// source of truth, so a ChainHead is only valid for a single traversal.
type ChainHead struct {
	ChainID Hash `json:"chain_id"`
	KeyMR   Hash `json:"key_mr"`
}
