package nodestore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// revealed is an entry waiting for the next seal, keyed by the hash it was
// revealed under.
type revealed struct {
	hash ledger.Hash
	at   time.Time
}

// MemoryStore is an in-memory, thread-safe Store. It is meant for tests and
// throwaway development nodes; nothing survives a restart.
type MemoryStore struct {
	opts options

	mu       sync.RWMutex
	balances map[string]int64
	commits  map[ledger.Hash]*pendingCommit
	entries  map[ledger.Hash]*ledger.Entry
	chains   map[ledger.Hash]bool // chain id -> created (revealed first entry)
	heads    map[ledger.Hash]ledger.Hash
	blocks   map[ledger.Hash]*ledger.EntryBlock
	pending  map[ledger.Hash][]revealed
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:     buildOptions(opts),
		balances: make(map[string]int64),
		commits:  make(map[ledger.Hash]*pendingCommit),
		entries:  make(map[ledger.Hash]*ledger.Entry),
		chains:   make(map[ledger.Hash]bool),
		heads:    make(map[ledger.Hash]ledger.Hash),
		blocks:   make(map[ledger.Hash]*ledger.EntryBlock),
		pending:  make(map[ledger.Hash][]revealed),
	}
}

// Credit implements Store.
func (s *MemoryStore) Credit(_ context.Context, name string, amount int64) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("credit: empty name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[name]+amount < 0 {
		return 0, ErrInsufficientCredits
	}
	s.balances[name] += amount
	return s.balances[name], nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[name], nil
}

// AddEntryCommit implements Store.
func (s *MemoryStore) AddEntryCommit(_ context.Context, name string, c *commit.EntryCommit) error {
	if !c.InTime(s.opts.now(), CommitWindow) {
		return ErrStaleCommit
	}
	return s.addCommit(name, c.EntryHash, &pendingCommit{
		name:    name,
		credits: int(c.Credits),
		at:      c.Time(),
	})
}

// AddChainCommit implements Store.
func (s *MemoryStore) AddChainCommit(_ context.Context, name string, c *commit.ChainCommit) error {
	if !c.InTime(s.opts.now(), CommitWindow) {
		return ErrStaleCommit
	}
	return s.addCommit(name, c.EntryHash, &pendingCommit{
		name:        name,
		chain:       true,
		chainIDHash: c.ChainIDHash,
		weld:        c.Weld,
		credits:     int(c.Credits),
		at:          c.Time(),
	})
}

func (s *MemoryStore) addCommit(name string, entryHash ledger.Hash, pc *pendingCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.commits[entryHash]; dup {
		return ErrDuplicateCommit
	}
	if s.balances[name] < int64(pc.credits) {
		return ErrInsufficientCredits
	}
	s.balances[name] -= int64(pc.credits)
	s.commits[entryHash] = pc
	return nil
}

// Reveal implements Store.
func (s *MemoryStore) Reveal(_ context.Context, e *ledger.Entry, chain bool) (ledger.Hash, error) {
	h, err := ledger.EntryHash(e)
	if err != nil {
		return ledger.ZeroHash, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[h]; ok {
		return h, nil
	}
	if _, err := checkReveal(e, chain, s.commits[h]); err != nil {
		return ledger.ZeroHash, err
	}
	_, exists := s.chains[e.ChainID]
	if chain && exists {
		return ledger.ZeroHash, ErrChainExists
	}
	if !chain && !exists {
		return ledger.ZeroHash, ErrUnknownChain
	}

	if chain {
		s.chains[e.ChainID] = true
	}
	s.entries[h] = e
	s.pending[e.ChainID] = append(s.pending[e.ChainID], revealed{hash: h, at: s.opts.now()})
	delete(s.commits, h)
	return h, nil
}

// Seal implements Store.
func (s *MemoryStore) Seal(_ context.Context, now time.Time) ([]*ledger.EntryBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ledger.Hash, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b ledger.Hash) int { return bytes.Compare(a[:], b[:]) })

	var sealed []*ledger.EntryBlock
	for _, id := range ids {
		prev := s.heads[id]
		var seq uint32
		if !prev.IsZero() {
			seq = s.blocks[prev].Header.BlockSequenceNumber + 1
		}
		refs := make([]ledger.EntryRef, 0, len(s.pending[id]))
		for _, r := range s.pending[id] {
			refs = append(refs, ledger.EntryRef{EntryHash: r.hash, Timestamp: r.at.Unix()})
		}
		b := assembleBlock(id, prev, seq, now, refs)
		s.blocks[b.KeyMR] = b
		s.heads[id] = b.KeyMR
		sealed = append(sealed, b)
	}
	clear(s.pending)
	return sealed, nil
}

// ChainHead implements Store. A chain has no head until its first block is
// sealed.
func (s *MemoryStore) ChainHead(_ context.Context, chainID ledger.Hash) (ledger.Hash, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.heads[chainID]
	if !ok {
		return ledger.ZeroHash, fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
	}
	return h, nil
}

// EntryBlock implements Store.
func (s *MemoryStore) EntryBlock(_ context.Context, keyMR ledger.Hash) (*ledger.EntryBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[keyMR]
	if !ok {
		return nil, fmt.Errorf("entry block %s: %w", keyMR, ErrNotFound)
	}
	return b, nil
}

// Entry implements Store.
func (s *MemoryStore) Entry(_ context.Context, hash ledger.Hash) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", hash, ErrNotFound)
	}
	return e, nil
}

// Verify implements Store.
func (s *MemoryStore) Verify(ctx context.Context, chainID ledger.Hash) error {
	head, err := s.ChainHead(ctx, chainID)
	if err != nil {
		return err
	}
	return verifyChain(chainID, head, func(k ledger.Hash) (*ledger.EntryBlock, error) {
		return s.EntryBlock(ctx, k)
	})
}
