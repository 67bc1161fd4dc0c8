package commit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

var commitTime = time.UnixMilli(0x0000_0102_0304_0506)

func scenarioChain(t *testing.T) *ledger.Chain {
	t.Helper()
	c, err := ledger.NewChain(&ledger.Entry{
		ExtIDs:  [][]byte{{0xa1, 0xb2}, {0xc3, 0xd4}},
		Content: []byte("hello"),
	})
	require.NoError(t, err)
	return c
}

func TestNewEntryCommit_layout(t *testing.T) {
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), []byte("hello"))
	c, err := commit.NewEntryCommit(e, commitTime, nil)
	require.NoError(t, err)

	b, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, commit.EntryCommitSize)

	h, err := ledger.EntryHash(e)
	require.NoError(t, err)

	require.Equal(t, byte(0), b[0], "version")
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, b[1:7], "millitime")
	require.Equal(t, h.Bytes(), b[7:39], "entry hash")
	require.Equal(t, byte(1), b[39], "credits")
}

func TestNewChainCommit_layout(t *testing.T) {
	c := scenarioChain(t)
	cc, err := commit.NewChainCommit(c, commitTime, nil)
	require.NoError(t, err)

	b, err := cc.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, commit.ChainCommitSize)

	require.Equal(t, "28afedfe09e01f037cd41afa834ab78bd36abc1a4f23b81108058a46ca0ff3df", c.ChainID.String())
	require.Equal(t, byte(0), b[0])
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, b[1:7])
	require.Equal(t, "ef934cd1dd70adfbe4ac06e2f2b0f7d01be8cf75d4b3c2917d4b5769052bea9e", ledger.EncodeHex(b[7:39]), "chain id hash")
	require.Equal(t, "65e0757f0b11e008ed7bd52ce3d3a8fef68b35175f191f9c647e039bcee6febb", ledger.EncodeHex(b[39:71]), "weld")
	require.Equal(t, "38599d74aefeba2bcb271c1aaa35627fe63203e4fe3a1f8043f03d1151c7baa0", ledger.EncodeHex(b[71:103]), "entry hash")
	require.Equal(t, byte(1+ledger.ChainCreationSurcharge), b[103], "credits")

	require.True(t, cc.Matches(c.FirstEntry))
	require.False(t, cc.Matches(ledger.NewEntry(c.ChainID, []byte("other"))))
}

func TestNewChainCommit_costOverflowRejected(t *testing.T) {
	c := scenarioChain(t)
	_, err := commit.NewChainCommit(c, commitTime, ledger.FlatCost(120))
	require.True(t, errors.Is(err, ledger.ErrCost), "120+10 must not wrap into a negative byte: %v", err)

	_, err = commit.NewChainCommit(c, commitTime, ledger.FlatCost(117))
	require.NoError(t, err, "117+10 == 127 still fits")
}

func TestNewChainCommit_mismatchedFirstEntry(t *testing.T) {
	c := scenarioChain(t)
	c.FirstEntry = ledger.NewEntry(ledger.Sha256([]byte("elsewhere")), []byte("x"), []byte("a"))
	_, err := commit.NewChainCommit(c, commitTime, nil)
	require.ErrorIs(t, err, ledger.ErrDerivation)
}

func TestNewChainCommit_underivedChainID(t *testing.T) {
	id := ledger.Sha256([]byte("not derived from the ext-ids"))
	c := &ledger.Chain{ChainID: id, FirstEntry: ledger.NewEntry(id, []byte("x"), []byte("a"))}
	_, err := commit.NewChainCommit(c, commitTime, nil)
	require.ErrorIs(t, err, ledger.ErrDerivation)

	noExtIDs := &ledger.Chain{ChainID: id, FirstEntry: ledger.NewEntry(id, []byte("x"))}
	_, err = commit.NewChainCommit(noExtIDs, commitTime, nil)
	require.ErrorIs(t, err, ledger.ErrDerivation)
}

func TestUnmarshal_roundTrip(t *testing.T) {
	c := scenarioChain(t)
	cc, err := commit.NewChainCommit(c, commitTime, nil)
	require.NoError(t, err)
	b, _ := cc.MarshalBinary()

	var back commit.ChainCommit
	require.NoError(t, back.UnmarshalBinary(b))
	require.Equal(t, *cc, back)
	require.Equal(t, commitTime.UnixMilli(), back.Time().UnixMilli())

	ec, err := commit.NewEntryCommit(c.FirstEntry, commitTime, nil)
	require.NoError(t, err)
	raw, err := ledger.DecodeHex(ec.Hex())
	require.NoError(t, err)
	var ecBack commit.EntryCommit
	require.NoError(t, ecBack.UnmarshalBinary(raw))
	require.Equal(t, *ec, ecBack)

	require.ErrorIs(t, ecBack.UnmarshalBinary(b), ledger.ErrEncoding)
	require.ErrorIs(t, back.UnmarshalBinary(raw), ledger.ErrEncoding)
}

func TestInTime(t *testing.T) {
	e := ledger.NewEntry(ledger.Sha256([]byte("chain")), []byte("hello"))
	now := time.Now()
	for _, tc := range []struct {
		at   time.Time
		want bool
	}{
		{now.Add(-time.Hour), true},
		{now.Add(time.Hour), true},
		{now.Add(-25 * time.Hour), false},
		{now.Add(25 * time.Hour), false},
	} {
		c, err := commit.NewEntryCommit(e, tc.at, nil)
		require.NoError(t, err)
		require.Equal(t, tc.want, c.InTime(now, 24*time.Hour), "commit at %s", tc.at)
	}
}
