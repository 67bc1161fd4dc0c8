package ledger_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func decodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestMarshalBinary_scenarioLayout(t *testing.T) {
	chainID := ledger.MustParseHash("28afedfe09e01f037cd41afa834ab78bd36abc1a4f23b81108058a46ca0ff3df")
	e := ledger.NewEntry(chainID, []byte("hello"), decodeHex(t, "a1b2"), decodeHex(t, "c3d4"))

	got, err := e.MarshalBinary()
	require.NoError(t, err)

	want := decodeHex(t, "00"+
		"28afedfe09e01f037cd41afa834ab78bd36abc1a4f23b81108058a46ca0ff3df"+
		"0008"+
		"0002a1b2"+
		"0002c3d4"+
		"68656c6c6f")
	require.Equal(t, want, got)

	require.Equal(t, byte(0x00), got[0], "version")
	require.Equal(t, chainID.Bytes(), got[1:33], "chain id")
	require.Equal(t, []byte{0x00, 0x08}, got[33:35], "ext-id block size")
	require.Equal(t, []byte("hello"), got[len(got)-5:], "content")
}

func TestMarshalBinary_noExtIDs(t *testing.T) {
	var chainID ledger.Hash
	for i := range chainID {
		chainID[i] = 0x11
	}
	e := ledger.NewEntry(chainID, []byte("hello"))

	got, err := e.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, got, ledger.HeaderSize+5)
	require.Equal(t, []byte{0x00, 0x00}, got[33:35])
	require.Equal(t, []byte("hello"), got[35:], "content must follow the size field directly")
}

func TestMarshalBinary_deterministic(t *testing.T) {
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), []byte("payload"), []byte("x"), []byte("yy"))
	first, err := e.MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.MarshalBinary()
		require.NoError(t, err)
		require.True(t, bytes.Equal(first, again), "encoding changed on call %d", i)
	}
}

func TestMarshalBinary_extIDTooLong(t *testing.T) {
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), nil, make([]byte, ledger.MaxExtIDSize+1))
	_, err := e.MarshalBinary()
	require.Error(t, err)
	require.True(t, errors.Is(err, ledger.ErrEncoding), "got %v", err)
}

func TestMarshalBinary_extIDBlockTooLong(t *testing.T) {
	// Two ext-ids that each fit but overflow the 16-bit block size together.
	big := make([]byte, 40000)
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), nil, big, big)
	_, err := e.MarshalBinary()
	require.ErrorIs(t, err, ledger.ErrEncoding)
}

func TestMarshalBinary_maxExtIDAccepted(t *testing.T) {
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), nil, make([]byte, ledger.MaxExtIDSize-2))
	_, err := e.MarshalBinary()
	require.NoError(t, err)
}

func TestMarshalBinary_missingChainID(t *testing.T) {
	e := &ledger.Entry{Content: []byte("orphan")}
	_, err := e.MarshalBinary()
	require.ErrorIs(t, err, ledger.ErrEncoding)
}

func TestUnmarshalBinary_roundTrip(t *testing.T) {
	cases := []*ledger.Entry{
		ledger.NewEntry(ledger.Sha256([]byte("c1")), []byte("hello"), []byte{0xa1, 0xb2}, []byte{0xc3, 0xd4}),
		ledger.NewEntry(ledger.Sha256([]byte("c2")), []byte("no ext ids")),
		ledger.NewEntry(ledger.Sha256([]byte("c3")), nil, []byte("only"), []byte(""), []byte("ids")),
		ledger.NewEntry(ledger.Sha256([]byte("c4")), []byte{}),
	}
	for _, want := range cases {
		enc, err := want.MarshalBinary()
		require.NoError(t, err)

		var got ledger.Entry
		require.NoError(t, got.UnmarshalBinary(enc))
		require.Equal(t, want.ChainID, got.ChainID)
		require.Equal(t, len(want.ExtIDs), len(got.ExtIDs))
		for i := range want.ExtIDs {
			require.Equal(t, want.ExtIDs[i], got.ExtIDs[i], "ext-id %d", i)
		}
		require.True(t, bytes.Equal(want.Content, got.Content))
	}
}

func TestUnmarshalBinary_rejectsMalformed(t *testing.T) {
	valid, err := ledger.NewEntry(ledger.Sha256([]byte("c")), []byte("body"), []byte("id")).MarshalBinary()
	require.NoError(t, err)

	badVersion := append([]byte{}, valid...)
	badVersion[0] = 1

	overrun := append([]byte{}, valid[:ledger.HeaderSize]...)
	overrun[33], overrun[34] = 0x00, 0x10 // claims 16 bytes of ext-ids, none follow

	truncatedExt := append([]byte{}, valid[:ledger.HeaderSize]...)
	truncatedExt[33], truncatedExt[34] = 0x00, 0x03
	truncatedExt = append(truncatedExt, 0x00, 0x05, 'x') // ext-id claims 5 bytes, block has 1

	cases := map[string][]byte{
		"short header":        valid[:10],
		"bad version":         badVersion,
		"ext block overrun":   overrun,
		"ext-id overruns blk": truncatedExt,
	}
	for name, data := range cases {
		var e ledger.Entry
		err := e.UnmarshalBinary(data)
		if !errors.Is(err, ledger.ErrEncoding) {
			t.Errorf("%s: expected encoding error, got %v", name, err)
		}
	}
}

func TestNewChain_setsFirstEntryChainID(t *testing.T) {
	first := &ledger.Entry{ExtIDs: [][]byte{[]byte("a"), []byte("b")}, Content: []byte("genesis")}
	c, err := ledger.NewChain(first)
	require.NoError(t, err)
	require.Equal(t, c.ChainID, first.ChainID)
	require.Equal(t, "e5a01fee14e0ed5c48714f22180f25ad8365b53f9779f79dc4a3d7e93963f94a", c.ChainID.String())
}

func TestNewChain_requiresExtIDs(t *testing.T) {
	_, err := ledger.NewChain(&ledger.Entry{Content: []byte("x")})
	require.ErrorIs(t, err, ledger.ErrDerivation)
}
