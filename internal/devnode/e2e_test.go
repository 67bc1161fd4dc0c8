package devnode_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/devnode"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
	"github.com/jmerrifield20/factomledger/pkg/client"
	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/jmerrifield20/factomledger/pkg/publish"
	"github.com/jmerrifield20/factomledger/pkg/walker"
)

// TestPublishAndWalk drives a chain through the real client, orchestrator
// and walker against a dev node served over HTTP.
func TestPublishAndWalk(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := nodestore.NewMemoryStore()
	_, err := store.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	srv := devnode.NewServer(store, devnode.Config{}, zap.NewNop())
	nodeTS := httptest.NewServer(srv.NodeRouter(ctx))
	defer nodeTS.Close()
	commitTS := httptest.NewServer(srv.CommitRouter(ctx))
	defer commitTS.Close()

	c, err := client.New(nodeTS.URL+devnode.APIPrefix, commitTS.URL+devnode.APIPrefix)
	require.NoError(t, err)
	o := publish.New(c, publish.Config{SettleDelay: time.Millisecond})

	chain, err := ledger.NewChain(ledger.NewEntry(ledger.ZeroHash, []byte("first"), []byte("e2e"), []byte("test")))
	require.NoError(t, err)
	cy, err := o.PrepareChain(chain)
	require.NoError(t, err)
	rec, err := o.Publish(ctx, cy, "alice")
	require.NoError(t, err)
	require.True(t, rec.NewChain)
	require.Equal(t, chain.ChainID, rec.ChainID)

	// No head until the first block is sealed.
	_, err = c.GetChainHead(ctx, chain.ChainID)
	require.ErrorIs(t, err, ledger.ErrChainNotFound)
	require.Len(t, srv.Sealer().SealOnce(ctx), 1)

	var want []ledger.Hash
	for _, body := range []string{"one", "two", "three"} {
		cy, err := o.PrepareEntry(ledger.NewEntry(chain.ChainID, []byte(body)))
		require.NoError(t, err)
		rec, err := o.Publish(ctx, cy, "alice")
		require.NoError(t, err)
		want = append(want, rec.EntryHash)
	}
	require.Len(t, srv.Sealer().SealOnce(ctx), 1)

	balance, err := c.GetECBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100-11-3), balance)

	w := walker.New(c)
	refs, err := w.Walk(ctx, chain.ChainID)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	got := make([]ledger.Hash, 0, 3)
	for _, r := range refs[:3] {
		got = append(got, r.EntryHash)
	}
	require.Equal(t, want, got, "newest block first, reveal order within it")
	require.Equal(t, firstEntryHash(t, chain), refs[3].EntryHash)

	entries, err := walker.FetchEntries(ctx, c, refs)
	require.NoError(t, err)
	require.Equal(t, "first", string(entries[3].Content))
	require.NoError(t, store.Verify(ctx, chain.ChainID))

	// A second chain commit for the same chain id is paid for but rejected
	// at reveal.
	dup, err := ledger.NewChain(ledger.NewEntry(ledger.ZeroHash, []byte("other"), []byte("e2e"), []byte("test")))
	require.NoError(t, err)
	cy, err = o.PrepareChain(dup)
	require.NoError(t, err)
	_, err = o.Publish(ctx, cy, "alice")
	require.ErrorIs(t, err, ledger.ErrRevealFailed)

	c.CloseIdleConnections()
}

func firstEntryHash(t *testing.T, chain *ledger.Chain) ledger.Hash {
	t.Helper()
	h, err := ledger.EntryHash(chain.FirstEntry)
	require.NoError(t, err)
	return h
}

func TestSealer_startSealsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := nodestore.NewMemoryStore()
	ctx := context.Background()
	_, err := store.Credit(ctx, "alice", 100)
	require.NoError(t, err)

	var sealed int
	s := devnode.NewSealer(store, devnode.SealerConfig{Interval: time.Hour}, nil)
	s.SetMetricsRecord(func(n int) { sealed += n })

	chain, err := ledger.NewChain(ledger.NewEntry(ledger.ZeroHash, nil, []byte("sealer")))
	require.NoError(t, err)
	publishDirect(t, store, chain)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(runCtx)
	}()
	cancel()
	<-done

	require.Equal(t, 1, sealed, "the final pass seals what was pending")
	_, err = store.ChainHead(ctx, chain.ChainID)
	require.NoError(t, err)
}

// publishDirect commits and reveals chain against the store without HTTP.
func publishDirect(t *testing.T, store nodestore.Store, chain *ledger.Chain) {
	t.Helper()
	ctx := context.Background()
	cc, err := commit.NewChainCommit(chain, time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, store.AddChainCommit(ctx, "alice", cc))
	_, err = store.Reveal(ctx, chain.FirstEntry, true)
	require.NoError(t, err)
}
