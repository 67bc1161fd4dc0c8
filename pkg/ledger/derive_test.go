package ledger_test

import (
	"crypto/sha256"
	"crypto/sha512"
	"testing"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestComputeChainID_stable(t *testing.T) {
	ab := [][]byte{[]byte("a"), []byte("b")}
	id, err := ledger.ComputeChainID(ab)
	require.NoError(t, err)
	require.Equal(t, "e5a01fee14e0ed5c48714f22180f25ad8365b53f9779f79dc4a3d7e93963f94a", id.String())

	// Content never participates.
	c1, err := ledger.NewChain(&ledger.Entry{ExtIDs: ab, Content: []byte("one")})
	require.NoError(t, err)
	c2, err := ledger.NewChain(&ledger.Entry{ExtIDs: ab, Content: []byte("two")})
	require.NoError(t, err)
	require.Equal(t, c1.ChainID, c2.ChainID)
}

func TestComputeChainID_orderMatters(t *testing.T) {
	id, err := ledger.ComputeChainID([][]byte{[]byte("b"), []byte("a")})
	require.NoError(t, err)
	require.Equal(t, "18d79cb747ea174c59f3a3b41768672526d56fecc58360a99d283d0f9b0a3cc0", id.String())
}

func TestComputeChainID_empty(t *testing.T) {
	_, err := ledger.ComputeChainID(nil)
	require.ErrorIs(t, err, ledger.ErrDerivation)
}

func TestEntryHash_vectors(t *testing.T) {
	scenario := ledger.NewEntry(
		ledger.MustParseHash("28afedfe09e01f037cd41afa834ab78bd36abc1a4f23b81108058a46ca0ff3df"),
		[]byte("hello"), []byte{0xa1, 0xb2}, []byte{0xc3, 0xd4},
	)
	h, err := ledger.EntryHash(scenario)
	require.NoError(t, err)
	require.Equal(t, "38599d74aefeba2bcb271c1aaa35627fe63203e4fe3a1f8043f03d1151c7baa0", h.String())

	var plainChain ledger.Hash
	for i := range plainChain {
		plainChain[i] = 0x11
	}
	h, err = ledger.EntryHash(ledger.NewEntry(plainChain, []byte("hello")))
	require.NoError(t, err)
	require.Equal(t, "dd2ed1e6b901566cbf23ac81eade7b4babfeaab1e236e4fa0056fcbefec3c191", h.String())
}

func TestEntryHash_composition(t *testing.T) {
	entries := []*ledger.Entry{
		ledger.NewEntry(ledger.Sha256([]byte("x")), []byte("some content")),
		ledger.NewEntry(ledger.Sha256([]byte("y")), make([]byte, 4096), []byte("ext")),
	}
	for _, e := range entries {
		enc, err := e.MarshalBinary()
		require.NoError(t, err)
		inner := sha512.Sum512(enc)
		want := sha256.Sum256(append(inner[:], enc...))

		got, err := ledger.EntryHash(e)
		require.NoError(t, err)
		require.Equal(t, ledger.Hash(want), got)
	}
}

func TestWeldAndChainIDHash_vectors(t *testing.T) {
	chainID := ledger.MustParseHash("28afedfe09e01f037cd41afa834ab78bd36abc1a4f23b81108058a46ca0ff3df")
	entryHash := ledger.MustParseHash("38599d74aefeba2bcb271c1aaa35627fe63203e4fe3a1f8043f03d1151c7baa0")

	require.Equal(t, "65e0757f0b11e008ed7bd52ce3d3a8fef68b35175f191f9c647e039bcee6febb",
		ledger.Weld(entryHash, chainID).String())
	require.Equal(t, "ef934cd1dd70adfbe4ac06e2f2b0f7d01be8cf75d4b3c2917d4b5769052bea9e",
		ledger.ChainIDHash(chainID).String())

	// A different chain id gives a different weld for the same entry hash.
	require.NotEqual(t, ledger.Weld(entryHash, chainID), ledger.Weld(entryHash, ledger.Sha256([]byte("other"))))
}

func TestParseHash(t *testing.T) {
	_, err := ledger.ParseHash("abcd")
	require.ErrorIs(t, err, ledger.ErrEncoding)

	_, err = ledger.ParseHash("zz" + "00000000000000000000000000000000000000000000000000000000000000")
	require.ErrorIs(t, err, ledger.ErrEncoding)

	h, err := ledger.ParseHash("E5A01FEE14E0ED5C48714F22180F25AD8365B53F9779F79DC4A3D7E93963F94A")
	require.NoError(t, err)
	require.Equal(t, "e5a01fee14e0ed5c48714f22180f25ad8365b53f9779f79dc4a3d7e93963f94a", h.String())
}
