package ledger

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the length in bytes of every identifier on the ledger:
// chain ids, entry hashes, key MRs and welds.
const HashSize = 32

// Hash is a 32-byte ledger identifier.
type Hash [HashSize]byte

// ZeroHash is the all-zero sentinel. As a PrevKeyMR it marks the first
// EntryBlock of a chain.
var ZeroHash Hash

// NewHash copies b into a Hash. b must be exactly HashSize bytes.
func NewHash(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, newError(KindEncoding, "new hash", "",
			fmt.Sprintf("hash must be %d bytes, got %d", HashSize, len(b)))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, newError(KindEncoding, "parse hash", s,
			fmt.Sprintf("hash must be %d hex characters, got %d", HashSize*2, len(s)))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, wrapError(KindEncoding, "parse hash", s, "invalid hex", err)
	}
	return h, nil
}

// MustParseHash is like ParseHash but panics on error. Useful for constants in tests.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) Hash {
	return sha256.Sum256(data)
}

// DoubleSha256 returns SHA256(SHA256(data)).
func DoubleSha256(data []byte) Hash {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Sha512 returns the SHA-512 digest of data.
func Sha512(data []byte) [sha512.Size]byte {
	return sha512.Sum512(data)
}

// EncodeHex returns the lowercase hex form used for every binary field that
// crosses the node boundary.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex decodes a hex string received from the node.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, wrapError(KindEncoding, "decode hex", "", "invalid hex", err)
	}
	return b, nil
}
