package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// State is the position of a Cycle in the commit/reveal protocol.
type State int

const (
	StateBuilt State = iota
	StateCommitted
	StateRevealWindow
	StateRevealed
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateCommitted:
		return "committed"
	case StateRevealWindow:
		return "reveal_window"
	case StateRevealed:
		return "revealed"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateRevealed || s == StateFailed || s == StateAbandoned
}

// Receipt records a completed cycle.
type Receipt struct {
	ID          uuid.UUID   `json:"id"`
	ChainID     ledger.Hash `json:"chain_id"`
	EntryHash   ledger.Hash `json:"entry_hash"`
	NewChain    bool        `json:"new_chain"`
	Credits     int         `json:"credits"`
	CommittedAt time.Time   `json:"committed_at"`
	RevealedAt  time.Time   `json:"revealed_at"`
}

// Cycle is one commit/reveal run for a single entry. All derived values are
// fixed when the cycle is prepared, so a retried reveal submits identical
// bytes.
type Cycle struct {
	ID uuid.UUID

	o         *Orchestrator
	chain     bool
	chainID   ledger.Hash
	entryHash ledger.Hash
	credits   byte
	encoded   []byte
	payload   []byte

	mu          sync.Mutex
	state       State
	name        string
	committedAt time.Time
	revealedAt  time.Time
}

func (o *Orchestrator) newCycle(chain bool, chainID, entryHash ledger.Hash, credits byte, encoded, payload []byte) *Cycle {
	return &Cycle{
		ID:        uuid.New(),
		o:         o,
		chain:     chain,
		chainID:   chainID,
		entryHash: entryHash,
		credits:   credits,
		encoded:   encoded,
		payload:   payload,
		state:     StateBuilt,
	}
}

func (c *Cycle) ChainID() ledger.Hash   { return c.chainID }
func (c *Cycle) EntryHash() ledger.Hash { return c.entryHash }
func (c *Cycle) Credits() int           { return int(c.credits) }
func (c *Cycle) NewChain() bool         { return c.chain }

// CommitHex is the hex commit payload sent to the node.
func (c *Cycle) CommitHex() string { return ledger.EncodeHex(c.payload) }

// EntryHex is the hex canonical encoding sent on reveal.
func (c *Cycle) EntryHex() string { return ledger.EncodeHex(c.encoded) }

// State returns the current state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cycle) kind() string {
	if c.chain {
		return "chain"
	}
	return "entry"
}

func (c *Cycle) op(phase string) string {
	return phase + " " + c.kind()
}

func (c *Cycle) fields() []zap.Field {
	return []zap.Field{
		zap.String("cycle_id", c.ID.String()),
		zap.String("chain_id", c.chainID.String()),
		zap.String("entry_hash", c.entryHash.String()),
	}
}

// stateError reports a handle used out of order.
func (c *Cycle) stateError(phase string, want State) error {
	return ledger.NewError(ledger.KindState, c.op(phase), c.entryHash.String(),
		fmt.Sprintf("cycle is %s, want %s", c.state, want))
}

// Commit submits the commit under the named credit source. On success the
// cycle is Committed and the returned handle can wait for the reveal window.
// A rejected commit moves the cycle to Failed; it is never revealed and must
// not be resubmitted.
func (c *Cycle) Commit(ctx context.Context, name string) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateBuilt {
		return nil, c.stateError("commit", StateBuilt)
	}
	if name == "" {
		return nil, ledger.NewError(ledger.KindCommitFailed, c.op("commit"), c.entryHash.String(),
			"credit source name is required")
	}
	if err := c.o.acquire(c); err != nil {
		return nil, err
	}

	var err error
	if c.chain {
		err = c.o.node.CommitChain(ctx, name, c.CommitHex())
	} else {
		err = c.o.node.CommitEntry(ctx, name, c.CommitHex())
	}
	c.o.record(c, "commit", err == nil)
	if err != nil {
		c.state = StateFailed
		c.o.release(c)
		c.o.logger.Warn("commit rejected", append(c.fields(), zap.Error(err))...)
		if ledger.KindOf(err) == ledger.KindCommitFailed {
			return nil, err
		}
		return nil, ledger.WrapError(ledger.KindCommitFailed, c.op("commit"), c.entryHash.String(),
			"commit not accepted", err)
	}

	c.state = StateCommitted
	c.name = name
	c.committedAt = c.o.cfg.Now()
	c.o.logger.Info("commit accepted", append(c.fields(),
		zap.String("credit_source", name),
		zap.Int("credits", int(c.credits)),
	)...)
	return &Pending{c: c}, nil
}

// Pending is a committed cycle waiting for the reveal window.
type Pending struct {
	c *Cycle
}

// Cycle returns the underlying cycle.
func (p *Pending) Cycle() *Cycle { return p.c }

// ReadyAt is the earliest time the node accepts the reveal.
func (p *Pending) ReadyAt() time.Time {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.committedAt.Add(p.c.o.cfg.SettleDelay)
}

// Ready reports whether the settle delay has elapsed.
func (p *Pending) Ready() bool {
	return !p.c.o.cfg.Now().Before(p.ReadyAt())
}

// Wait blocks until the settle delay has elapsed or ctx is done. A cancelled
// wait leaves the cycle Committed, so Wait may be called again or the cycle
// abandoned.
func (p *Pending) Wait(ctx context.Context) (*Revealable, error) {
	c := p.c
	c.mu.Lock()
	switch c.state {
	case StateCommitted:
	case StateRevealWindow:
		c.mu.Unlock()
		return &Revealable{c: c}, nil
	default:
		defer c.mu.Unlock()
		return nil, c.stateError("wait", StateCommitted)
	}
	readyAt := c.committedAt.Add(c.o.cfg.SettleDelay)
	c.mu.Unlock()

	if d := readyAt.Sub(c.o.cfg.Now()); d > 0 {
		c.o.logger.Debug("waiting for reveal window", append(c.fields(), zap.Duration("delay", d))...)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("wait for reveal window: %w", ctx.Err())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCommitted:
		c.state = StateRevealWindow
	case StateRevealWindow:
	default:
		// Abandoned while we slept.
		return nil, c.stateError("wait", StateCommitted)
	}
	return &Revealable{c: c}, nil
}

// Abandon gives up on a committed cycle. The credits spent on the commit are
// lost; the node keeps the commit until it expires.
func (p *Pending) Abandon() error {
	c := p.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateCommitted && c.state != StateRevealWindow {
		return c.stateError("abandon", StateCommitted)
	}
	c.state = StateAbandoned
	c.o.release(c)
	c.o.logger.Warn("cycle abandoned after commit, credits are lost", append(c.fields(),
		zap.String("credit_source", c.name),
		zap.Int("credits", int(c.credits)),
	)...)
	return nil
}

// Revealable is a cycle inside its reveal window.
type Revealable struct {
	c *Cycle
}

// Cycle returns the underlying cycle.
func (r *Revealable) Cycle() *Cycle { return r.c }

// Revealable returns a reveal handle for a cycle still inside its reveal
// window, typically after a failed reveal.
func (c *Cycle) Revealable() (*Revealable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRevealWindow {
		return nil, c.stateError("reveal", StateRevealWindow)
	}
	return &Revealable{c: c}, nil
}

// Reveal submits the entry encoding. A rejected reveal leaves the cycle in
// the reveal window and may be retried with the same handle; the bytes sent
// are identical every time.
func (r *Revealable) Reveal(ctx context.Context) (*Receipt, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRevealWindow {
		return nil, c.stateError("reveal", StateRevealWindow)
	}

	var err error
	if c.chain {
		err = c.o.node.RevealChain(ctx, c.EntryHex())
	} else {
		err = c.o.node.RevealEntry(ctx, c.EntryHex())
	}
	c.o.record(c, "reveal", err == nil)
	if err != nil {
		c.o.logger.Warn("reveal rejected", append(c.fields(), zap.Error(err))...)
		if k := ledger.KindOf(err); k == ledger.KindRevealFailed || k == ledger.KindTransport {
			return nil, err
		}
		return nil, ledger.WrapError(ledger.KindRevealFailed, c.op("reveal"), c.entryHash.String(),
			"reveal not accepted", err)
	}

	c.state = StateRevealed
	c.revealedAt = c.o.cfg.Now()
	c.o.release(c)
	c.o.logger.Info("entry revealed", c.fields()...)

	return &Receipt{
		ID:          c.ID,
		ChainID:     c.chainID,
		EntryHash:   c.entryHash,
		NewChain:    c.chain,
		Credits:     int(c.credits),
		CommittedAt: c.committedAt,
		RevealedAt:  c.revealedAt,
	}, nil
}
