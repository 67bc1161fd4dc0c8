// Package publish drives the two-phase commit/reveal protocol.
//
// A Cycle is prepared from an entry or a chain, committed under a credit
// source, held for the node's settle delay and then revealed:
//
//	cycle, _ := o.PrepareEntry(e)
//	pending, err := cycle.Commit(ctx, "alice")
//	ready, err := pending.Wait(ctx)
//	receipt, err := ready.Reveal(ctx)
//
// Only a *Pending can wait and only a *Revealable can reveal, so a reveal
// without a prior accepted commit does not type-check. Handles reused out
// of order fail with ledger.KindState.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// DefaultSettleDelay is how long a node needs between accepting a commit and
// accepting its reveal.
const DefaultSettleDelay = 10 * time.Second

// Committer is the subset of the node client the orchestrator needs.
// *client.Client satisfies it.
type Committer interface {
	CommitEntry(ctx context.Context, name, payloadHex string) error
	CommitChain(ctx context.Context, name, payloadHex string) error
	RevealEntry(ctx context.Context, entryHex string) error
	RevealChain(ctx context.Context, entryHex string) error
}

// Config holds orchestrator configuration. Zero values select defaults.
type Config struct {
	SettleDelay time.Duration
	Cost        ledger.CostFunc
	Now         func() time.Time
}

// MetricsRecordFunc is an optional callback for recording commit and reveal
// outcomes. kind is "entry" or "chain", phase is "commit" or "reveal".
type MetricsRecordFunc func(kind, phase string, success bool)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics callback.
func WithMetrics(fn MetricsRecordFunc) Option {
	return func(o *Orchestrator) {
		o.onMetrics = fn
	}
}

type flightKey struct {
	chainID   ledger.Hash
	entryHash ledger.Hash
}

// Orchestrator prepares and runs commit/reveal cycles. It is safe for
// concurrent use and refuses a second cycle for the same entry while one is
// between commit and reveal.
type Orchestrator struct {
	node      Committer
	cfg       Config
	logger    *zap.Logger
	onMetrics MetricsRecordFunc

	mu       sync.Mutex
	inFlight map[flightKey]uuid.UUID
}

// New creates an Orchestrator that talks to node.
func New(node Committer, cfg Config, opts ...Option) *Orchestrator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Cost == nil {
		cfg.Cost = ledger.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		node:     node,
		cfg:      cfg,
		logger:   zap.NewNop(),
		inFlight: make(map[flightKey]uuid.UUID),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PrepareEntry encodes, hashes and prices e and builds its commit payload.
// The commit timestamp is captured here.
func (o *Orchestrator) PrepareEntry(e *ledger.Entry) (*Cycle, error) {
	if e == nil {
		return nil, ledger.NewError(ledger.KindEncoding, "prepare entry", "", "nil entry")
	}
	enc, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	ec, err := commit.NewEntryCommit(e, o.cfg.Now(), o.cfg.Cost)
	if err != nil {
		return nil, err
	}
	payload, _ := ec.MarshalBinary()
	return o.newCycle(false, e.ChainID, ec.EntryHash, ec.Credits, enc, payload), nil
}

// PrepareChain is PrepareEntry for the first entry of a new chain. The chain
// creation surcharge is included in the credits.
func (o *Orchestrator) PrepareChain(c *ledger.Chain) (*Cycle, error) {
	if c == nil || c.FirstEntry == nil {
		return nil, ledger.NewError(ledger.KindDerivation, "prepare chain", "", "chain has no first entry")
	}
	enc, err := c.FirstEntry.MarshalBinary()
	if err != nil {
		return nil, err
	}
	cc, err := commit.NewChainCommit(c, o.cfg.Now(), o.cfg.Cost)
	if err != nil {
		return nil, err
	}
	payload, _ := cc.MarshalBinary()
	return o.newCycle(true, c.ChainID, cc.EntryHash, cc.Credits, enc, payload), nil
}

// Publish runs Commit, Wait and a single Reveal. A reveal failure leaves the
// cycle in the reveal window; Cycle.Revealable hands back a handle to retry.
func (o *Orchestrator) Publish(ctx context.Context, c *Cycle, name string) (*Receipt, error) {
	p, err := c.Commit(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return r.Reveal(ctx)
}

// InFlight returns the number of cycles between commit and reveal.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

func (o *Orchestrator) acquire(c *Cycle) error {
	key := flightKey{chainID: c.chainID, entryHash: c.entryHash}
	o.mu.Lock()
	defer o.mu.Unlock()
	if other, ok := o.inFlight[key]; ok {
		return ledger.NewError(ledger.KindInFlight, c.op("commit"), c.entryHash.String(),
			"cycle "+other.String()+" is already in flight for this entry")
	}
	o.inFlight[key] = c.ID
	return nil
}

func (o *Orchestrator) release(c *Cycle) {
	key := flightKey{chainID: c.chainID, entryHash: c.entryHash}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[key] == c.ID {
		delete(o.inFlight, key)
	}
}

func (o *Orchestrator) record(c *Cycle, phase string, success bool) {
	if o.onMetrics != nil {
		o.onMetrics(c.kind(), phase, success)
	}
}
