// Package nodestore holds the state of a development ledger node: credit
// balances, pending commits, revealed entries and sealed entry blocks.
package nodestore

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// CommitWindow is how far a commit timestamp may drift from the node clock.
const CommitWindow = 24 * time.Hour

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient entry credits")
	ErrDuplicateCommit     = errors.New("entry already has a pending commit")
	ErrStaleCommit         = errors.New("commit timestamp outside the accepted window")
	ErrNoCommit            = errors.New("no matching commit for reveal")
	ErrUnderpaid           = errors.New("commit does not cover the entry cost")
	ErrChainExists         = errors.New("chain already exists")
	ErrUnknownChain        = errors.New("chain does not exist")
	ErrInvalidEntry        = errors.New("invalid entry")
)

// Store is the node state. MemoryStore and PostgresStore implement it.
type Store interface {
	// Credit adds amount to the named balance and returns the new balance.
	Credit(ctx context.Context, name string, amount int64) (int64, error)

	// Balance returns the named balance. Unknown names have zero balance.
	Balance(ctx context.Context, name string) (int64, error)

	// AddEntryCommit debits the commit's credits from name and records it.
	AddEntryCommit(ctx context.Context, name string, c *commit.EntryCommit) error

	// AddChainCommit debits the commit's credits from name and records it.
	AddChainCommit(ctx context.Context, name string, c *commit.ChainCommit) error

	// Reveal accepts the body of a committed entry. Revealing an entry that
	// is already revealed succeeds without changing anything.
	Reveal(ctx context.Context, e *ledger.Entry, chain bool) (ledger.Hash, error)

	// Seal turns each chain's revealed entries into one new entry block.
	Seal(ctx context.Context, now time.Time) ([]*ledger.EntryBlock, error)

	ChainHead(ctx context.Context, chainID ledger.Hash) (ledger.Hash, error)
	EntryBlock(ctx context.Context, keyMR ledger.Hash) (*ledger.EntryBlock, error)
	Entry(ctx context.Context, hash ledger.Hash) (*ledger.Entry, error)

	// Verify walks a chain from its head and recomputes every key MR.
	Verify(ctx context.Context, chainID ledger.Hash) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used to check commit timestamps and stamp
// reveals.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// pendingCommit is a paid commit awaiting its reveal.
type pendingCommit struct {
	name        string
	chain       bool
	chainIDHash ledger.Hash
	weld        ledger.Hash
	credits     int
	at          time.Time
}

// checkReveal validates e against its commit. It returns the entry encoding.
func checkReveal(e *ledger.Entry, chain bool, pc *pendingCommit) ([]byte, error) {
	enc, err := e.MarshalBinary()
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	if pc == nil || pc.chain != chain {
		return nil, ErrNoCommit
	}
	cost, err := ledger.DefaultCost(len(enc))
	if err != nil {
		return nil, errors.Join(ErrInvalidEntry, err)
	}
	if chain {
		cost += ledger.ChainCreationSurcharge
		id, err := ledger.ComputeChainID(e.ExtIDs)
		if err != nil || id != e.ChainID {
			return nil, errors.Join(ErrInvalidEntry, errors.New("chain id does not derive from the ext-ids"))
		}
		h := ledger.HashEncoded(enc)
		if ledger.ChainIDHash(e.ChainID) != pc.chainIDHash || ledger.Weld(h, e.ChainID) != pc.weld {
			return nil, ErrNoCommit
		}
	}
	if cost > pc.credits {
		return nil, ErrUnderpaid
	}
	return enc, nil
}
