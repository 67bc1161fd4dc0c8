package nodestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// advisoryLockKey serialises reveals against seals across every node process
// sharing the database.
const advisoryLockKey = int64(1_702_116_031)

// checkViolation is the SQLSTATE of a CHECK constraint failure.
const checkViolation = "23514"

// PostgresStore persists node state to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	opts   options
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger, opts: buildOptions(opts)}
}

// Credit implements Store.
func (s *PostgresStore) Credit(ctx context.Context, name string, amount int64) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("credit: empty name")
	}
	var balance int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO ec_balances (name, balance) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET balance = ec_balances.balance + EXCLUDED.balance
		 RETURNING balance`, name, amount,
	).Scan(&balance)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("credit %s: %w", name, err)
	}
	return balance, nil
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, name string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, "SELECT balance FROM ec_balances WHERE name = $1", name).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", name, err)
	}
	return balance, nil
}

// AddEntryCommit implements Store.
func (s *PostgresStore) AddEntryCommit(ctx context.Context, name string, c *commit.EntryCommit) error {
	if !c.InTime(s.opts.now(), CommitWindow) {
		return ErrStaleCommit
	}
	return s.addCommit(ctx, c.EntryHash, &pendingCommit{
		name:    name,
		credits: int(c.Credits),
		at:      c.Time(),
	})
}

// AddChainCommit implements Store.
func (s *PostgresStore) AddChainCommit(ctx context.Context, name string, c *commit.ChainCommit) error {
	if !c.InTime(s.opts.now(), CommitWindow) {
		return ErrStaleCommit
	}
	return s.addCommit(ctx, c.EntryHash, &pendingCommit{
		name:        name,
		chain:       true,
		chainIDHash: c.ChainIDHash,
		weld:        c.Weld,
		credits:     int(c.Credits),
		at:          c.Time(),
	})
}

// addCommit debits the balance and records the commit in one transaction.
func (s *PostgresStore) addCommit(ctx context.Context, entryHash ledger.Hash, pc *pendingCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO commits (entry_hash, name, is_chain, chain_id_hash, weld, credits, committed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (entry_hash) DO NOTHING`,
		entryHash[:], pc.name, pc.chain, nullableHash(pc.chainIDHash), nullableHash(pc.weld),
		pc.credits, pc.at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateCommit
	}

	tag, err = tx.Exec(ctx,
		`UPDATE ec_balances SET balance = balance - $2 WHERE name = $1 AND balance >= $2`,
		pc.name, pc.credits,
	)
	if err != nil {
		return fmt.Errorf("debit %s: %w", pc.name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("commit recorded",
		zap.String("entry_hash", entryHash.String()),
		zap.String("name", pc.name),
		zap.Bool("chain", pc.chain),
		zap.Int("credits", pc.credits),
	)
	return nil
}

// Reveal implements Store.
func (s *PostgresStore) Reveal(ctx context.Context, e *ledger.Entry, chain bool) (ledger.Hash, error) {
	h, err := ledger.EntryHash(e)
	if err != nil {
		return ledger.ZeroHash, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.ZeroHash, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return ledger.ZeroHash, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var known bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM entries WHERE entry_hash = $1)", h[:],
	).Scan(&known); err != nil {
		return ledger.ZeroHash, fmt.Errorf("look up entry: %w", err)
	}
	if known {
		return h, nil
	}

	pc, err := loadCommit(ctx, tx, h)
	if err != nil {
		return ledger.ZeroHash, err
	}
	enc, err := checkReveal(e, chain, pc)
	if err != nil {
		return ledger.ZeroHash, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM chains WHERE chain_id = $1)", e.ChainID[:],
	).Scan(&exists); err != nil {
		return ledger.ZeroHash, fmt.Errorf("look up chain: %w", err)
	}
	switch {
	case chain && exists:
		return ledger.ZeroHash, ErrChainExists
	case !chain && !exists:
		return ledger.ZeroHash, ErrUnknownChain
	}

	if chain {
		if _, err := tx.Exec(ctx, "INSERT INTO chains (chain_id) VALUES ($1)", e.ChainID[:]); err != nil {
			return ledger.ZeroHash, fmt.Errorf("insert chain: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO entries (entry_hash, chain_id, body, revealed_at) VALUES ($1, $2, $3, $4)",
		h[:], e.ChainID[:], enc, s.opts.now().UTC(),
	); err != nil {
		return ledger.ZeroHash, fmt.Errorf("insert entry: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM commits WHERE entry_hash = $1", h[:]); err != nil {
		return ledger.ZeroHash, fmt.Errorf("delete commit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.ZeroHash, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("entry revealed",
		zap.String("entry_hash", h.String()),
		zap.String("chain_id", e.ChainID.String()),
		zap.Bool("chain", chain),
	)
	return h, nil
}

func loadCommit(ctx context.Context, tx pgx.Tx, h ledger.Hash) (*pendingCommit, error) {
	var (
		pc          pendingCommit
		chainIDHash []byte
		weld        []byte
	)
	err := tx.QueryRow(ctx,
		`SELECT name, is_chain, chain_id_hash, weld, credits, committed_at
		 FROM commits WHERE entry_hash = $1 FOR UPDATE`, h[:],
	).Scan(&pc.name, &pc.chain, &chainIDHash, &weld, &pc.credits, &pc.at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load commit: %w", err)
	}
	if pc.chain {
		if pc.chainIDHash, err = ledger.NewHash(chainIDHash); err != nil {
			return nil, fmt.Errorf("load commit: %w", err)
		}
		if pc.weld, err = ledger.NewHash(weld); err != nil {
			return nil, fmt.Errorf("load commit: %w", err)
		}
	}
	return &pc, nil
}

// Seal implements Store. Each chain with pending entries gets one block, in
// chain id order, inside a single transaction.
func (s *PostgresStore) Seal(ctx context.Context, now time.Time) ([]*ledger.EntryBlock, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT chain_id, entry_hash, revealed_at FROM entries
		 WHERE key_mr IS NULL ORDER BY chain_id, reveal_seq`)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	var (
		order   []ledger.Hash
		pending = make(map[ledger.Hash][]ledger.EntryRef)
	)
	for rows.Next() {
		var (
			rawChain, rawHash []byte
			at                time.Time
		)
		if err := rows.Scan(&rawChain, &rawHash, &at); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		chainID, err1 := ledger.NewHash(rawChain)
		h, err2 := ledger.NewHash(rawHash)
		if err := errors.Join(err1, err2); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending entry: %w", err)
		}
		if _, ok := pending[chainID]; !ok {
			order = append(order, chainID)
		}
		pending[chainID] = append(pending[chainID], ledger.EntryRef{EntryHash: h, Timestamp: at.Unix()})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read pending entries: %w", err)
	}

	var sealed []*ledger.EntryBlock
	for _, chainID := range order {
		prev, seq, err := chainTip(ctx, tx, chainID)
		if err != nil {
			return nil, err
		}
		b := assembleBlock(chainID, prev, seq, now, pending[chainID])

		if _, err := tx.Exec(ctx,
			`INSERT INTO entry_blocks (key_mr, chain_id, prev_key_mr, seq, ts) VALUES ($1, $2, $3, $4, $5)`,
			b.KeyMR[:], chainID[:], prev[:], int64(seq), b.Header.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("insert entry block: %w", err)
		}
		for i, ref := range b.EntryList {
			if _, err := tx.Exec(ctx,
				"UPDATE entries SET key_mr = $2, position = $3 WHERE entry_hash = $1",
				ref.EntryHash[:], b.KeyMR[:], i,
			); err != nil {
				return nil, fmt.Errorf("assign entry to block: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			"UPDATE chains SET head = $2 WHERE chain_id = $1", chainID[:], b.KeyMR[:],
		); err != nil {
			return nil, fmt.Errorf("advance chain head: %w", err)
		}
		sealed = append(sealed, b)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit seal tx: %w", err)
	}
	for _, b := range sealed {
		s.logger.Debug("entry block sealed",
			zap.String("key_mr", b.KeyMR.String()),
			zap.String("chain_id", b.Header.ChainID.String()),
			zap.Uint32("sequence", b.Header.BlockSequenceNumber),
			zap.Int("entries", len(b.EntryList)),
		)
	}
	return sealed, nil
}

// chainTip returns the current head of chainID and the next block sequence.
func chainTip(ctx context.Context, tx pgx.Tx, chainID ledger.Hash) (ledger.Hash, uint32, error) {
	var (
		rawHead []byte
		seq     *int64
	)
	err := tx.QueryRow(ctx,
		`SELECT c.head, b.seq FROM chains c
		 LEFT JOIN entry_blocks b ON b.key_mr = c.head
		 WHERE c.chain_id = $1`, chainID[:],
	).Scan(&rawHead, &seq)
	if err != nil {
		return ledger.ZeroHash, 0, fmt.Errorf("read chain tip %s: %w", chainID, err)
	}
	if rawHead == nil || seq == nil {
		return ledger.ZeroHash, 0, nil
	}
	head, err := ledger.NewHash(rawHead)
	if err != nil {
		return ledger.ZeroHash, 0, fmt.Errorf("read chain tip %s: %w", chainID, err)
	}
	return head, uint32(*seq + 1), nil
}

// ChainHead implements Store.
func (s *PostgresStore) ChainHead(ctx context.Context, chainID ledger.Hash) (ledger.Hash, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT head FROM chains WHERE chain_id = $1 AND head IS NOT NULL", chainID[:],
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ZeroHash, fmt.Errorf("chain %s: %w", chainID, ErrNotFound)
	}
	if err != nil {
		return ledger.ZeroHash, fmt.Errorf("get chain head %s: %w", chainID, err)
	}
	return ledger.NewHash(raw)
}

// EntryBlock implements Store.
func (s *PostgresStore) EntryBlock(ctx context.Context, keyMR ledger.Hash) (*ledger.EntryBlock, error) {
	var (
		rawChain, rawPrev []byte
		seq               int64
	)
	b := &ledger.EntryBlock{KeyMR: keyMR}
	err := s.pool.QueryRow(ctx,
		"SELECT chain_id, prev_key_mr, seq, ts FROM entry_blocks WHERE key_mr = $1", keyMR[:],
	).Scan(&rawChain, &rawPrev, &seq, &b.Header.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry block %s: %w", keyMR, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry block %s: %w", keyMR, err)
	}
	chainID, err1 := ledger.NewHash(rawChain)
	prev, err2 := ledger.NewHash(rawPrev)
	if err := errors.Join(err1, err2); err != nil {
		return nil, fmt.Errorf("get entry block %s: %w", keyMR, err)
	}
	b.Header.ChainID = chainID
	b.Header.PrevKeyMR = prev
	b.Header.BlockSequenceNumber = uint32(seq)

	rows, err := s.pool.Query(ctx,
		"SELECT entry_hash, revealed_at FROM entries WHERE key_mr = $1 ORDER BY position", keyMR[:])
	if err != nil {
		return nil, fmt.Errorf("query block entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw []byte
			at  time.Time
		)
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, fmt.Errorf("scan block entry: %w", err)
		}
		h, err := ledger.NewHash(raw)
		if err != nil {
			return nil, fmt.Errorf("scan block entry: %w", err)
		}
		b.EntryList = append(b.EntryList, ledger.EntryRef{EntryHash: h, Timestamp: at.Unix()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read block entries: %w", err)
	}
	return b, nil
}

// Entry implements Store.
func (s *PostgresStore) Entry(ctx context.Context, hash ledger.Hash) (*ledger.Entry, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM entries WHERE entry_hash = $1", hash[:]).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", hash, err)
	}
	e := new(ledger.Entry)
	if err := e.UnmarshalBinary(body); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", hash, err)
	}
	return e, nil
}

// Verify implements Store.
func (s *PostgresStore) Verify(ctx context.Context, chainID ledger.Hash) error {
	head, err := s.ChainHead(ctx, chainID)
	if err != nil {
		return err
	}
	return verifyChain(chainID, head, func(k ledger.Hash) (*ledger.EntryBlock, error) {
		return s.EntryBlock(ctx, k)
	})
}

func nullableHash(h ledger.Hash) []byte {
	if h.IsZero() {
		return nil
	}
	return h[:]
}
