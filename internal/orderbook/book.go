package orderbook

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/logging"
)

// State is the depth-synchronization state of one local book.
type State string

const (
	// StateInit means no events have been processed yet.
	StateInit State = "INIT"
	// StateBuffering means a snapshot fetch is in flight and diffs queue up.
	StateBuffering State = "BUFFERING"
	// StateDegraded means the book was seeded from diffs before any
	// snapshot succeeded; usable for relative metrics only.
	StateDegraded State = "DEGRADED"
	// StateSynced means snapshot and diff stream are fused gap-free.
	StateSynced State = "SYNCED"
	// StateGapped means a gap was detected after sync and a re-snapshot
	// is pending; post-gap diffs are buffered.
	StateGapped State = "GAPPED"
)

const gapLogInterval = 2 * time.Second

// BookLevel is one aggregated price level returned by reads. Cumulative
// sums sizes from the best level outward.
type BookLevel struct {
	Price      string          `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Status is a point-in-time copy of the engine flags for diagnostics and
// the resync scheduler.
type Status struct {
	State          State
	LastUpdateID   int64
	Synced         bool
	NeedsResync    bool
	ResyncInFlight bool
	Degraded       bool
	Buffered       int
	LastResyncAt   time.Time
	Backoff        time.Duration
}

// Book reconstructs one symbol's order book from a REST snapshot fused with
// the incremental diff stream. All writes for a symbol are serialized by
// the book's mutex; reads observe a consistent view of both sides.
//
// The sync recipe is the exchange's canonical one: buffer diffs while a
// snapshot is fetched, discard diffs fully covered by the snapshot, require
// the first applied diff to straddle lastUpdateId+1, then apply in order
// and gap-check every subsequent event.
type Book struct {
	mu     sync.RWMutex
	symbol string
	log    zerolog.Logger

	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal

	lastUpdateID   int64
	state          State
	prevState      State // restored when a snapshot fetch fails
	synced         bool
	needsResync    bool
	resyncInFlight bool
	degraded       bool

	buffer    []binance.DepthUpdate
	maxBuffer int

	lastResyncAt time.Time
	backoff      time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration

	seedOnFirstDiff bool
	lastGapLog      time.Time

	lastGoodBids []BookLevel
	lastGoodAsks []BookLevel
}

// NewBook creates an empty book in INIT with resync required.
func NewBook(symbol string, maxBuffer int, minBackoff, maxBackoff time.Duration) *Book {
	return &Book{
		symbol:          symbol,
		log:             logging.Component("book").With().Str("symbol", symbol).Logger(),
		bids:            make(map[string]decimal.Decimal),
		asks:            make(map[string]decimal.Decimal),
		state:           StateInit,
		needsResync:     true,
		buffer:          make([]binance.DepthUpdate, 0, 64),
		maxBuffer:       maxBuffer,
		backoff:         minBackoff,
		minBackoff:      minBackoff,
		maxBackoff:      maxBackoff,
		seedOnFirstDiff: true,
	}
}

// SetSeedPolicy controls whether the first diff in INIT seeds a degraded
// book instead of buffering.
func (b *Book) SetSeedPolicy(seed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seedOnFirstDiff = seed
}

// ApplyDiff feeds one diff event through the state machine.
func (b *Book) ApplyDiff(e binance.DepthUpdate) {
	if e.FinalID < e.FirstID || e.FinalID <= 0 {
		return // invalid shape, drop
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateBuffering, StateGapped:
		b.bufferLocked(e)

	case StateInit:
		if b.seedOnFirstDiff {
			// Seed an approximate book so consumers can compute
			// relative metrics while snapshots recover. The next
			// successful snapshot overwrites this wholesale.
			b.applyLevelsLocked(e)
			b.lastUpdateID = e.FinalID
			b.state = StateDegraded
			b.degraded = true
			b.log.Info().Int64("u", e.FinalID).Msg("book seeded from diff, running degraded")
			return
		}
		b.bufferLocked(e)

	case StateDegraded:
		if e.FinalID > b.lastUpdateID {
			b.applyLevelsLocked(e)
			b.lastUpdateID = e.FinalID
		}

	case StateSynced:
		switch {
		case e.FinalID <= b.lastUpdateID:
			// Already covered by the book, drop.
		case e.FirstID <= b.lastUpdateID+1:
			b.applyLevelsLocked(e)
			b.lastUpdateID = e.FinalID
		default:
			// Gap: keep the existing book for last-good reads, buffer
			// the post-gap diff and wait for a fresh snapshot.
			b.state = StateGapped
			b.needsResync = true
			b.bufferLocked(e)
			if time.Since(b.lastGapLog) >= gapLogInterval {
				b.lastGapLog = time.Now()
				b.log.Warn().
					Int64("expected", b.lastUpdateID+1).
					Int64("got", e.FirstID).
					Msg("gap in diff stream, resync scheduled")
			}
		}
	}
}

// BeginSnapshot marks a snapshot fetch in flight. Diffs arriving until
// CommitSnapshot or SnapshotFailed are buffered. Returns false when a fetch
// is already in flight.
func (b *Book) BeginSnapshot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.resyncInFlight {
		return false
	}
	b.resyncInFlight = true
	b.lastResyncAt = time.Now()
	b.prevState = b.state
	b.state = StateBuffering
	return true
}

// SnapshotFailed records a failed fetch: the previous state is restored and
// the engine backoff doubles.
func (b *Book) SnapshotFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resyncInFlight = false
	b.state = b.prevState
	b.doubleBackoffLocked()
}

// CommitSnapshot fuses a fetched snapshot with the buffered diffs. Returns
// true when the book is SYNCED afterwards; false means the snapshot could
// not be reconciled with the buffer and another fetch is required.
func (b *Book) CommitSnapshot(snap *binance.DepthSnapshot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay, ok := b.planReplayLocked(snap.LastUpdateID)
	if !ok {
		// Snapshot too old relative to the buffered window. Drop the
		// buffer and retry under backoff; the book keeps its previous
		// content for last-good reads.
		b.buffer = b.buffer[:0]
		b.resyncInFlight = false
		b.state = StateGapped
		b.needsResync = true
		b.doubleBackoffLocked()
		b.log.Warn().Int64("snapshot", snap.LastUpdateID).Msg("snapshot replay failed, retrying")
		return false
	}

	// Commit: the snapshot replaces the book wholesale, then the
	// surviving buffered diffs are applied in order.
	b.bids = make(map[string]decimal.Decimal, len(snap.Bids))
	b.asks = make(map[string]decimal.Decimal, len(snap.Asks))
	for _, lvl := range snap.Bids {
		b.setLevelLocked(b.bids, lvl)
	}
	for _, lvl := range snap.Asks {
		b.setLevelLocked(b.asks, lvl)
	}
	b.lastUpdateID = snap.LastUpdateID

	for _, e := range replay {
		b.applyLevelsLocked(e)
		b.lastUpdateID = e.FinalID
	}

	b.buffer = b.buffer[:0]
	b.state = StateSynced
	b.synced = true
	b.needsResync = false
	b.resyncInFlight = false
	b.degraded = false
	b.backoff = b.minBackoff
	b.log.Info().Int64("lastUpdateId", b.lastUpdateID).Int("replayed", len(replay)).Msg("book synced")
	return true
}

// planReplayLocked sorts and filters the buffer against the snapshot id and
// verifies continuity. Returns the events to apply, or ok=false when the
// snapshot cannot be bridged to the buffered diffs. Caller must hold b.mu.
func (b *Book) planReplayLocked(snapshotID int64) ([]binance.DepthUpdate, bool) {
	if len(b.buffer) == 0 {
		return nil, true
	}

	sorted := make([]binance.DepthUpdate, len(b.buffer))
	copy(sorted, b.buffer)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FinalID < sorted[j].FinalID
	})

	// Drop events fully covered by the snapshot.
	i := 0
	for i < len(sorted) && sorted[i].FinalID <= snapshotID {
		i++
	}
	sorted = sorted[i:]
	if len(sorted) == 0 {
		return nil, true
	}

	// The first surviving event must straddle snapshotID+1.
	first := sorted[0]
	if first.FirstID > snapshotID+1 {
		return nil, false
	}

	// Every subsequent event must continue without a hole.
	last := first.FinalID
	for _, e := range sorted[1:] {
		if e.FirstID > last+1 || e.FinalID <= last {
			return nil, false
		}
		last = e.FinalID
	}
	return sorted, true
}

// bufferLocked appends a pending diff, shedding the oldest 10% on
// overflow. Caller must hold b.mu.
func (b *Book) bufferLocked(e binance.DepthUpdate) {
	if len(b.buffer) >= b.maxBuffer {
		drop := b.maxBuffer / 10
		if drop < 1 {
			drop = 1
		}
		b.buffer = append(b.buffer[:0], b.buffer[drop:]...)
		b.log.Warn().Int("dropped", drop).Msg("diff buffer overflow, oldest events shed")
	}
	b.buffer = append(b.buffer, e)
}

// applyLevelsLocked applies both sides of a diff. Caller must hold b.mu.
func (b *Book) applyLevelsLocked(e binance.DepthUpdate) {
	for _, lvl := range e.Bids {
		b.setLevelLocked(b.bids, lvl)
	}
	for _, lvl := range e.Asks {
		b.setLevelLocked(b.asks, lvl)
	}
}

// setLevelLocked sets or removes one level. The verbatim price string is
// the map key so a delete always hits the entry that created the level,
// whatever decimal formatting the upstream used.
func (b *Book) setLevelLocked(side map[string]decimal.Decimal, lvl binance.PriceLevel) {
	qty, err := decimal.NewFromString(lvl.Qty())
	if err != nil {
		return
	}
	if qty.IsZero() {
		delete(side, lvl.Price())
		return
	}
	side[lvl.Price()] = qty
}

// GetBook returns the top depth levels per side: bids descending, asks
// ascending, each with a cumulative size from the best level outward. When
// the book currently passes the validity gate the result is also retained
// as the last-good view.
func (b *Book) GetBook(depth int) (bids, asks []BookLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bids = topLevels(b.bids, depth, true)
	asks = topLevels(b.asks, depth, false)

	if b.validLocked() {
		b.lastGoodBids = bids
		b.lastGoodAsks = asks
	}
	return bids, asks
}

// LastGood returns the most recent valid read, for flicker suppression
// while the gate is temporarily false. ok is false before the first valid
// read.
func (b *Book) LastGood() (bids, asks []BookLevel, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastGoodBids == nil && b.lastGoodAsks == nil {
		return nil, nil, false
	}
	return b.lastGoodBids, b.lastGoodAsks, true
}

// Valid reports whether the book passes the external-use gate: synced, no
// resync in flight, and an uncrossed two-sided top of book.
func (b *Book) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.validLocked()
}

// validLocked implements the gate. Caller must hold b.mu (read or write).
func (b *Book) validLocked() bool {
	if !b.synced || b.resyncInFlight || b.state != StateSynced {
		return false
	}
	bestBid, okBid := bestPrice(b.bids, true)
	bestAsk, okAsk := bestPrice(b.asks, false)
	if !okBid || !okAsk {
		return false
	}
	return bestBid.IsPositive() && bestAsk.IsPositive() && bestBid.LessThan(bestAsk)
}

// Status returns a consistent copy of the engine flags.
func (b *Book) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == StateSynced && len(b.buffer) > 0 {
		b.log.Error().Int("buffered", len(b.buffer)).Msg("invariant violation: non-empty buffer while synced")
	}

	return Status{
		State:          b.state,
		LastUpdateID:   b.lastUpdateID,
		Synced:         b.synced,
		NeedsResync:    b.needsResync,
		ResyncInFlight: b.resyncInFlight,
		Degraded:       b.degraded,
		Buffered:       len(b.buffer),
		LastResyncAt:   b.lastResyncAt,
		Backoff:        b.backoff,
	}
}

// doubleBackoffLocked applies the failure backoff bound to [min, max].
// Caller must hold b.mu.
func (b *Book) doubleBackoffLocked() {
	b.backoff *= 2
	if b.backoff > b.maxBackoff {
		b.backoff = b.maxBackoff
	}
}

// topLevels sorts one side and computes cumulative sizes. Bids sort by
// price descending, asks ascending.
func topLevels(side map[string]decimal.Decimal, depth int, descending bool) []BookLevel {
	levels := make([]BookLevel, 0, len(side))
	for price, size := range side {
		levels = append(levels, BookLevel{Price: price, Size: size})
	}

	sort.Slice(levels, func(i, j int) bool {
		pi, erri := decimal.NewFromString(levels[i].Price)
		pj, errj := decimal.NewFromString(levels[j].Price)
		if erri != nil || errj != nil {
			return levels[i].Price < levels[j].Price
		}
		if descending {
			return pi.GreaterThan(pj)
		}
		return pi.LessThan(pj)
	})

	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}

	cum := decimal.Zero
	for i := range levels {
		cum = cum.Add(levels[i].Size)
		levels[i].Cumulative = cum
	}
	return levels
}

// bestPrice returns the best price of one side: highest bid or lowest ask.
func bestPrice(side map[string]decimal.Decimal, highest bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for price := range side {
		p, err := decimal.NewFromString(price)
		if err != nil {
			continue
		}
		if !found || (highest && p.GreaterThan(best)) || (!highest && p.LessThan(best)) {
			best = p
			found = true
		}
	}
	return best, found
}
