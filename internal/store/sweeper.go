package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Active expiration defaults: every tick the sweeper inspects a small
// random sample of expiry-bearing entries rather than the whole key
// space, so its cost is bounded regardless of store size. Passive
// expiration on access guarantees correctness; the sweeper only bounds
// the memory held by entries nobody touches anymore.
const (
	DefaultSweepInterval   = 100 * time.Millisecond
	DefaultSweepSampleSize = 20
)

// Sweeper periodically removes expired entries from a Store.
type Sweeper struct {
	store      *Store
	interval   time.Duration
	sampleSize int
	logger     *slog.Logger
	onExpired  func(n int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the tick cadence.
func WithInterval(d time.Duration) SweeperOption {
	return func(sw *Sweeper) {
		if d > 0 {
			sw.interval = d
		}
	}
}

// WithSampleSize sets how many entries are inspected per tick.
func WithSampleSize(n int) SweeperOption {
	return func(sw *Sweeper) {
		if n > 0 {
			sw.sampleSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SweeperOption {
	return func(sw *Sweeper) {
		if logger != nil {
			sw.logger = logger
		}
	}
}

// WithExpiredHook registers a callback invoked with the number of
// entries removed on each tick that removed any.
func WithExpiredHook(fn func(n int)) SweeperOption {
	return func(sw *Sweeper) {
		sw.onExpired = fn
	}
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, opts ...SweeperOption) *Sweeper {
	sw := &Sweeper{
		store:      store,
		interval:   DefaultSweepInterval,
		sampleSize: DefaultSweepSampleSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Run ticks until ctx is cancelled. It blocks; callers start it on its
// own goroutine. No locks are held when the cancellation fires.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Debug("sweeper started",
		"interval", sw.interval,
		"sample_size", sw.sampleSize)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Debug("sweeper stopped")
			return
		case <-ticker.C:
			sw.tick()
		}
	}
}

// tick performs one bounded sampling pass. It starts at a random shard
// and walks forward until the sample budget is spent or every shard
// has been visited once, holding each shard's lock only while that
// shard is inspected.
func (sw *Sweeper) tick() {
	now := time.Now()
	budget := sw.sampleSize
	deleted := 0

	start := rand.IntN(sw.store.ShardCount())
	for i := 0; i < sw.store.ShardCount() && budget > 0; i++ {
		scanned, removed := sw.store.sweepShard(start+i, budget, now)
		budget -= scanned
		deleted += removed
	}

	if deleted > 0 {
		sw.logger.Debug("swept expired keys", "deleted", deleted)
		if sw.onExpired != nil {
			sw.onExpired(deleted)
		}
	}
}
