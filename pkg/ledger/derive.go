package ledger

// EntryHash returns SHA256(SHA512(enc) || enc) where enc is the canonical
// encoding of e.
func EntryHash(e *Entry) (Hash, error) {
	enc, err := e.MarshalBinary()
	if err != nil {
		return ZeroHash, err
	}
	return HashEncoded(enc), nil
}

// HashEncoded is EntryHash over bytes that are already canonically encoded.
func HashEncoded(enc []byte) Hash {
	h512 := Sha512(enc)
	buf := make([]byte, 0, len(h512)+len(enc))
	buf = append(buf, h512[:]...)
	buf = append(buf, enc...)
	return Sha256(buf)
}

// ComputeChainID returns SHA256(SHA256(x1) || SHA256(x2) || ...) over the
// ext-ids of a chain's first entry, in order.
func ComputeChainID(extIDs [][]byte) (Hash, error) {
	if len(extIDs) == 0 {
		return ZeroHash, newError(KindDerivation, "compute chain id", "",
			"a chain needs at least one ext-id")
	}
	buf := make([]byte, 0, len(extIDs)*HashSize)
	for _, x := range extIDs {
		h := Sha256(x)
		buf = append(buf, h[:]...)
	}
	return Sha256(buf), nil
}

// Weld returns SHA256(SHA256(entryHash || chainID)). It binds a chain commit
// to both the entry and the chain so the commit cannot be replayed elsewhere.
func Weld(entryHash, chainID Hash) Hash {
	buf := make([]byte, 0, 2*HashSize)
	buf = append(buf, entryHash[:]...)
	buf = append(buf, chainID[:]...)
	return DoubleSha256(buf)
}

// EntryWeld computes the weld of e against its own chain id.
func EntryWeld(e *Entry) (Hash, error) {
	h, err := EntryHash(e)
	if err != nil {
		return ZeroHash, err
	}
	return Weld(h, e.ChainID), nil
}

// ChainIDHash returns SHA256(SHA256(chainID)), the form of the chain id
// carried in a chain commit.
func ChainIDHash(chainID Hash) Hash {
	return DoubleSha256(chainID[:])
}
