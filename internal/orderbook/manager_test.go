package orderbook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/events"
)

type fakeFetcher struct {
	calls     []string
	snapshots map[string]*binance.DepthSnapshot // nil entry = failure
}

func (f *fakeFetcher) FetchDepth(ctx context.Context, symbol string, limit int) *binance.DepthSnapshot {
	f.calls = append(f.calls, symbol)
	return f.snapshots[symbol]
}

func newTestManager(fetcher *fakeFetcher) *Manager {
	return NewManager(Config{
		MaxBuffer:     2000,
		MinBackoff:    2 * time.Second,
		MaxBackoff:    30 * time.Second,
		SchedulerTick: 100 * time.Millisecond,
		GracePeriod:   50 * time.Millisecond,
	}, fetcher)
}

func TestTickFetchesSnapshotsForNewBooks(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{
		"BTCUSDT": snapshot(100, []binance.PriceLevel{lvl("100", "1")}, []binance.PriceLevel{lvl("101", "1")}),
	}}
	m := newTestManager(fetcher)

	m.Book("BTCUSDT")
	m.Tick(context.Background())

	if len(fetcher.calls) != 1 || fetcher.calls[0] != "BTCUSDT" {
		t.Fatalf("calls = %v, want one BTCUSDT fetch", fetcher.calls)
	}
	if st := m.Book("BTCUSDT").Status(); st.State != StateSynced {
		t.Errorf("state = %s, want SYNCED", st.State)
	}
}

func TestFailedFetchGatedByBackoff(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{}}
	m := newTestManager(fetcher)

	m.Book("ETHUSDT")
	m.Tick(context.Background())
	if len(fetcher.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(fetcher.calls))
	}

	// Within the backoff window nothing new is dispatched.
	m.Tick(context.Background())
	m.Tick(context.Background())
	if len(fetcher.calls) != 1 {
		t.Errorf("calls = %d, backoff not respected", len(fetcher.calls))
	}

	st := m.Book("ETHUSDT").Status()
	if st.Backoff != 4*time.Second {
		t.Errorf("backoff = %v, want doubled", st.Backoff)
	}
	if st.ResyncInFlight {
		t.Error("resyncInFlight should be cleared after failure")
	}
}

func TestResyncsDispatchSequentially(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{
		"AAAUSDT": snapshot(1, []binance.PriceLevel{lvl("1", "1")}, []binance.PriceLevel{lvl("2", "1")}),
		"BBBUSDT": snapshot(1, []binance.PriceLevel{lvl("1", "1")}, []binance.PriceLevel{lvl("2", "1")}),
	}}
	m := newTestManager(fetcher)

	m.Book("BBBUSDT")
	m.Book("AAAUSDT")
	m.Tick(context.Background())

	if len(fetcher.calls) != 2 || fetcher.calls[0] != "AAAUSDT" || fetcher.calls[1] != "BBBUSDT" {
		t.Fatalf("calls = %v, want deterministic sequential order", fetcher.calls)
	}
}

func TestEvictionAfterGracePeriod(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{}}
	m := newTestManager(fetcher)

	m.Book("BTCUSDT")
	m.Book("ETHUSDT")
	m.SetActiveSymbols([]string{"BTCUSDT"})

	time.Sleep(80 * time.Millisecond)
	m.Tick(context.Background())

	got := m.ActiveSymbols()
	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("active = %v, want only BTCUSDT", got)
	}
}

func TestResubscribeCancelsEviction(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{}}
	m := newTestManager(fetcher)

	m.Book("BTCUSDT")
	m.SetActiveSymbols(nil)
	m.SetActiveSymbols([]string{"BTCUSDT"})

	time.Sleep(80 * time.Millisecond)
	m.Tick(context.Background())

	if got := m.ActiveSymbols(); len(got) != 1 {
		t.Fatalf("active = %v, resubscription should cancel eviction", got)
	}
}

func TestHandleEventRoutesDepthDiffs(t *testing.T) {
	fetcher := &fakeFetcher{snapshots: map[string]*binance.DepthSnapshot{}}
	m := newTestManager(fetcher)

	update := binance.DepthUpdate{
		EventType: binance.EventDepthUpdate,
		Symbol:    "BTCUSDT",
		FirstID:   10,
		FinalID:   12,
		Bids:      []binance.PriceLevel{lvl("100", "1")},
	}
	data, _ := json.Marshal(update)

	m.HandleEvent(events.StreamEvent{
		Symbol: "BTCUSDT",
		Kind:   events.KindDepthUpdate,
		Data:   data,
	})

	// The book is created lazily and, in INIT, seeds from the first diff.
	st := m.Book("BTCUSDT").Status()
	if st.State != StateDegraded || st.LastUpdateID != 12 {
		t.Fatalf("diff not routed: %+v", st)
	}

	// Trades and tickers never touch the books.
	m.HandleEvent(events.StreamEvent{Symbol: "ETHUSDT", Kind: events.KindAggTrade, Data: data})
	if states := m.States(); len(states) != 1 {
		t.Errorf("non-depth event created a book: %v", states)
	}
}
