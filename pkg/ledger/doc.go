// Package ledger holds the wire-level objects of the entry ledger and the
// pure functions over them.
//
// An Entry is encoded canonically by Entry.MarshalBinary. Everything the
// protocol derives from an entry is computed from that encoding:
//
//	entry hash = SHA256(SHA512(enc) || enc)
//	chain id   = SHA256(SHA256(ext-id 1) || SHA256(ext-id 2) || ...)
//	weld       = SHA256(SHA256(entry hash || chain id))
//
// The cost of publishing an entry is a CostFunc of the encoded length.
// DefaultCost implements the public fee schedule; callers may plug in their
// own.
//
// Every failure in this module is reported as an *Error carrying a Kind, so
// callers can branch with errors.Is against the Err* sentinels:
//
//	if errors.Is(err, ledger.ErrChainNotFound) { ... }
package ledger
