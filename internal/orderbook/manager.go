package orderbook

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/events"
	"binance-depth-gateway/internal/logging"
)

// SnapshotFetcher is the REST dependency of the resync scheduler. A nil
// result means the fetch failed and backoff state was already recorded.
type SnapshotFetcher interface {
	FetchDepth(ctx context.Context, symbol string, limit int) *binance.DepthSnapshot
}

// Config bounds one Manager.
type Config struct {
	MaxBuffer     int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	SchedulerTick time.Duration
	GracePeriod   time.Duration
	SnapshotDepth int
}

// Manager owns the per-symbol books and the resync scheduler. Books are
// created lazily on first reference and evicted after no client has
// subscribed to the symbol for the grace period.
//
// Snapshots are serialized process-wide: the scheduler dispatches eligible
// symbols one at a time, because concurrent per-symbol depth calls are what
// trips the upstream's rate limiter. That policy lives here, not in Book.
type Manager struct {
	cfg     Config
	fetcher SnapshotFetcher
	log     zerolog.Logger

	mu      sync.Mutex
	books   map[string]*Book
	retired map[string]time.Time // symbol -> eviction deadline
}

// NewManager creates a Manager; Run starts the scheduler.
func NewManager(cfg Config, fetcher SnapshotFetcher) *Manager {
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = binance.MaxDepthLimit
	}
	return &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		log:     logging.Component("bookmgr"),
		books:   make(map[string]*Book),
		retired: make(map[string]time.Time),
	}
}

// Book returns the book for symbol, creating it lazily.
func (m *Manager) Book(symbol string) *Book {
	symbol = strings.ToUpper(symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[symbol]
	if !ok {
		book = NewBook(symbol, m.cfg.MaxBuffer, m.cfg.MinBackoff, m.cfg.MaxBackoff)
		m.books[symbol] = book
	}
	delete(m.retired, symbol)
	return book
}

// HandleEvent is the bus tap: depth diffs are routed into the matching
// book. Other event kinds only concern the fan-out path.
func (m *Manager) HandleEvent(ev events.StreamEvent) {
	if ev.Kind != events.KindDepthUpdate || ev.Symbol == "" {
		return
	}

	var update binance.DepthUpdate
	if err := json.Unmarshal(ev.Data, &update); err != nil {
		return
	}
	m.Book(ev.Symbol).ApplyDiff(update)
}

// SetActiveSymbols reconciles book lifecycles with the subscription union:
// symbols that left the union start their eviction grace period, symbols
// that rejoined are kept.
func (m *Manager) SetActiveSymbols(symbols []string) {
	active := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		active[strings.ToUpper(s)] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol := range m.books {
		if _, ok := active[symbol]; ok {
			delete(m.retired, symbol)
		} else if _, pending := m.retired[symbol]; !pending {
			m.retired[symbol] = time.Now().Add(m.cfg.GracePeriod)
		}
	}
}

// ActiveSymbols returns the symbols with live books, sorted.
func (m *Manager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.books))
	for s := range m.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// States returns symbol -> sync state for /health.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[string]string, len(m.books))
	for s, b := range m.books {
		states[s] = string(b.Status().State)
	}
	return states
}

// Run drives the resync scheduler until ctx is cancelled. Each tick evicts
// expired books, then dispatches every eligible symbol sequentially.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SchedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictExpired()
			m.dispatchResyncs(ctx)
		}
	}
}

// Tick runs one scheduler pass; exposed for tests.
func (m *Manager) Tick(ctx context.Context) {
	m.evictExpired()
	m.dispatchResyncs(ctx)
}

func (m *Manager) evictExpired() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, deadline := range m.retired {
		if now.After(deadline) {
			delete(m.books, symbol)
			delete(m.retired, symbol)
			m.log.Info().Str("symbol", symbol).Msg("book evicted after grace period")
		}
	}
}

// dispatchResyncs fetches a snapshot for every symbol that needs one and
// has aged past its backoff, strictly one at a time.
func (m *Manager) dispatchResyncs(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	due := make([]string, 0)
	for symbol, book := range m.books {
		st := book.Status()
		if st.NeedsResync && !st.ResyncInFlight && now.Sub(st.LastResyncAt) >= st.Backoff {
			due = append(due, symbol)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)

	for _, symbol := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.resyncOne(ctx, symbol)
	}
}

func (m *Manager) resyncOne(ctx context.Context, symbol string) {
	m.mu.Lock()
	book, ok := m.books[symbol]
	m.mu.Unlock()
	if !ok || !book.BeginSnapshot() {
		return
	}

	snap := m.fetcher.FetchDepth(ctx, symbol, m.cfg.SnapshotDepth)
	if snap == nil {
		book.SnapshotFailed()
		return
	}
	book.CommitSnapshot(snap)
}
