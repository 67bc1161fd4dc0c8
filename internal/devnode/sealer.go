package devnode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// DefaultBlockInterval is how often the sealer closes entry blocks.
const DefaultBlockInterval = 10 * time.Second

// BlockSealer turns revealed entries into entry blocks. nodestore.Store
// satisfies it.
type BlockSealer interface {
	Seal(ctx context.Context, now time.Time) ([]*ledger.EntryBlock, error)
}

// SealerConfig holds sealer configuration.
type SealerConfig struct {
	Interval time.Duration
	Now      func() time.Time
}

// MetricsRecordFunc is an optional callback receiving the number of blocks
// each pass sealed.
type MetricsRecordFunc func(blocks int)

// Sealer periodically seals pending entries into blocks.
type Sealer struct {
	store     BlockSealer
	cfg       SealerConfig
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// NewSealer creates a new Sealer.
func NewSealer(store BlockSealer, cfg SealerConfig, logger *zap.Logger) *Sealer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBlockInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sealer{store: store, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (s *Sealer) SetMetricsRecord(fn MetricsRecordFunc) {
	s.onMetrics = fn
}

// Start seals every interval until ctx is cancelled. A final pass runs on
// the way out so accepted reveals are not left unsealed.
func (s *Sealer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, s.cfg.Interval)
			s.SealOnce(passCtx)
			cancel()
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.SealOnce(final)
			cancel()
			return
		}
	}
}

// SealOnce runs one sealing pass and returns the blocks it produced.
func (s *Sealer) SealOnce(ctx context.Context) []*ledger.EntryBlock {
	blocks, err := s.store.Seal(ctx, s.cfg.Now())
	if err != nil {
		s.logger.Error("sealer: seal", zap.Error(err))
		return nil
	}
	if s.onMetrics != nil {
		s.onMetrics(len(blocks))
	}
	for _, b := range blocks {
		s.logger.Info("sealer: entry block",
			zap.String("key_mr", b.KeyMR.String()),
			zap.String("chain_id", b.Header.ChainID.String()),
			zap.Uint32("sequence", b.Header.BlockSequenceNumber),
			zap.Int("entries", len(b.EntryList)),
		)
	}
	return blocks
}
