// Package walker reconstructs a chain's history by following entry block
// back-links from the chain head to the genesis block.
//
// Entries come out newest block first, in block order within each block.
// A walk never truncates silently. Any early stop other than the caller's
// own is reported as an error.
package walker

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// DefaultMaxBlocks bounds a single walk.
const DefaultMaxBlocks = 1 << 20

// BlockSource resolves chain heads and entry blocks. *client.Client
// satisfies it.
type BlockSource interface {
	GetChainHead(ctx context.Context, chainID ledger.Hash) (ledger.Hash, error)
	GetEntryBlock(ctx context.Context, keyMR ledger.Hash) (*ledger.EntryBlock, error)
}

// EntrySource resolves entry bodies by hash.
type EntrySource interface {
	GetEntryByHash(ctx context.Context, hash ledger.Hash) (*ledger.Entry, error)
}

// MetricsRecordFunc is an optional callback receiving the number of blocks
// fetched by each walk.
type MetricsRecordFunc func(blocks int)

// Option configures a Walker.
type Option func(*Walker)

// WithMaxBlocks caps the number of blocks a single walk may visit.
func WithMaxBlocks(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxBlocks = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(w *Walker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithMetrics(fn MetricsRecordFunc) Option {
	return func(w *Walker) {
		w.onMetrics = fn
	}
}

// Walker walks chains through a BlockSource. It holds no per-walk state and
// is safe for concurrent use.
type Walker struct {
	src       BlockSource
	maxBlocks int
	logger    *zap.Logger
	onMetrics MetricsRecordFunc
}

// New creates a Walker reading from src.
func New(src BlockSource, opts ...Option) *Walker {
	w := &Walker{
		src:       src,
		maxBlocks: DefaultMaxBlocks,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Walk resolves the head of chainID and returns every entry reference in
// the chain.
func (w *Walker) Walk(ctx context.Context, chainID ledger.Hash) ([]ledger.EntryRef, error) {
	head, err := w.src.GetChainHead(ctx, chainID)
	if err != nil {
		if ledger.KindOf(err) == "" {
			return nil, ledger.WrapError(ledger.KindTransport, "walk chain", chainID.String(), "resolve chain head", err)
		}
		return nil, err
	}
	if head.IsZero() {
		return nil, ledger.NewError(ledger.KindChainNotFound, "walk chain", chainID.String(), "chain has no head")
	}
	return w.WalkFrom(ctx, head)
}

// WalkFrom returns every entry reference reachable from the block keyMR.
func (w *Walker) WalkFrom(ctx context.Context, keyMR ledger.Hash) ([]ledger.EntryRef, error) {
	return w.WalkUntil(ctx, keyMR, ledger.ZeroHash)
}

// WalkUntil is WalkFrom that stops before the block stop, returning only
// entries in blocks newer than it. A zero stop walks to genesis. If stop is
// never reached the whole chain is returned.
func (w *Walker) WalkUntil(ctx context.Context, keyMR, stop ledger.Hash) ([]ledger.EntryRef, error) {
	var refs []ledger.EntryRef
	err := w.walk(ctx, keyMR, stop, func(b *ledger.EntryBlock) bool {
		refs = append(refs, b.EntryList...)
		return true
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// Blocks lazily yields the blocks reachable from keyMR, newest first. On
// failure it yields a nil block with the error and stops. Each range over
// the sequence starts a fresh walk.
func (w *Walker) Blocks(ctx context.Context, keyMR ledger.Hash) iter.Seq2[*ledger.EntryBlock, error] {
	return func(yield func(*ledger.EntryBlock, error) bool) {
		stopped := false
		err := w.walk(ctx, keyMR, ledger.ZeroHash, func(b *ledger.EntryBlock) bool {
			if !yield(b, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// Entries lazily yields entry references reachable from keyMR in walk order.
func (w *Walker) Entries(ctx context.Context, keyMR ledger.Hash) iter.Seq2[ledger.EntryRef, error] {
	return func(yield func(ledger.EntryRef, error) bool) {
		for b, err := range w.Blocks(ctx, keyMR) {
			if err != nil {
				yield(ledger.EntryRef{}, err)
				return
			}
			for _, ref := range b.EntryList {
				if !yield(ref, nil) {
					return
				}
			}
		}
	}
}

// walk visits blocks from keyMR back to genesis (or until stop), calling
// visit for each. visit returning false ends the walk without error.
func (w *Walker) walk(ctx context.Context, keyMR, stop ledger.Hash, visit func(*ledger.EntryBlock) bool) error {
	const op = "walk chain"
	visited := make(map[ledger.Hash]struct{})
	var chainID ledger.Hash

	defer func() {
		if w.onMetrics != nil {
			w.onMetrics(len(visited))
		}
	}()

	for cur := keyMR; !cur.IsZero() && cur != stop; {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("walk chain: %w", err)
		}
		if _, seen := visited[cur]; seen {
			return ledger.NewError(ledger.KindProtocolViolation, op, cur.String(),
				"back-links form a cycle")
		}
		if len(visited) >= w.maxBlocks {
			return ledger.NewError(ledger.KindProtocolViolation, op, cur.String(),
				fmt.Sprintf("chain exceeds %d blocks", w.maxBlocks))
		}
		visited[cur] = struct{}{}

		b, err := w.src.GetEntryBlock(ctx, cur)
		if err != nil {
			if ledger.KindOf(err) == "" {
				return ledger.WrapError(ledger.KindTransport, op, cur.String(), "fetch entry block", err)
			}
			return err
		}
		if b == nil {
			return ledger.NewError(ledger.KindBlockNotFound, op, cur.String(), "source returned no block")
		}
		if chainID.IsZero() {
			chainID = b.Header.ChainID
		} else if b.Header.ChainID != chainID {
			return ledger.NewError(ledger.KindProtocolViolation, op, cur.String(),
				fmt.Sprintf("block belongs to chain %s, walk started in %s", b.Header.ChainID, chainID))
		}

		w.logger.Debug("entry block",
			zap.String("key_mr", cur.String()),
			zap.Uint32("sequence", b.Header.BlockSequenceNumber),
			zap.Int("entries", len(b.EntryList)),
		)
		if !visit(b) {
			return nil
		}
		cur = b.Header.PrevKeyMR
	}
	return nil
}

// FetchEntries resolves the bodies of refs in order and checks that each
// body hashes to the reference it was fetched by.
func FetchEntries(ctx context.Context, src EntrySource, refs []ledger.EntryRef) ([]*ledger.Entry, error) {
	out := make([]*ledger.Entry, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch entries: %w", err)
		}
		e, err := src.GetEntryByHash(ctx, ref.EntryHash)
		if err != nil {
			return nil, err
		}
		got, err := ledger.EntryHash(e)
		if err != nil {
			return nil, ledger.WrapError(ledger.KindProtocolViolation, "fetch entries", ref.EntryHash.String(),
				"entry does not encode", err)
		}
		if got != ref.EntryHash {
			return nil, ledger.NewError(ledger.KindProtocolViolation, "fetch entries", ref.EntryHash.String(),
				"entry body hashes to "+got.String())
		}
		out = append(out, e)
	}
	return out, nil
}
