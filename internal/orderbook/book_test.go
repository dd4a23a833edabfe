package orderbook

import (
	"testing"
	"time"

	"binance-depth-gateway/internal/binance"
)

func lvl(price, qty string) binance.PriceLevel {
	return binance.PriceLevel{price, qty}
}

func diffEvent(firstID, finalID int64, bids, asks []binance.PriceLevel) binance.DepthUpdate {
	return binance.DepthUpdate{
		EventType: binance.EventDepthUpdate,
		Symbol:    "BTCUSDT",
		FirstID:   firstID,
		FinalID:   finalID,
		Bids:      bids,
		Asks:      asks,
	}
}

func snapshot(id int64, bids, asks []binance.PriceLevel) *binance.DepthSnapshot {
	return &binance.DepthSnapshot{LastUpdateID: id, Bids: bids, Asks: asks}
}

func newTestBook() *Book {
	return NewBook("BTCUSDT", 2000, 2*time.Second, 30*time.Second)
}

func TestColdStartSyncReplaysBufferedDiffs(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)

	if !b.BeginSnapshot() {
		t.Fatal("BeginSnapshot should succeed on a fresh book")
	}
	if st := b.Status(); st.State != StateBuffering {
		t.Fatalf("state = %s, want BUFFERING", st.State)
	}

	// Diffs arriving while the snapshot fetch is in flight.
	b.ApplyDiff(diffEvent(100, 101, []binance.PriceLevel{lvl("99", "1")}, nil))
	b.ApplyDiff(diffEvent(102, 103, []binance.PriceLevel{lvl("100", "2")}, []binance.PriceLevel{lvl("101", "3")}))
	b.ApplyDiff(diffEvent(104, 105, nil, []binance.PriceLevel{lvl("102", "4")}))

	if !b.CommitSnapshot(snapshot(102,
		[]binance.PriceLevel{lvl("98", "5")},
		[]binance.PriceLevel{lvl("103", "5")})) {
		t.Fatal("CommitSnapshot should succeed")
	}

	st := b.Status()
	if st.State != StateSynced {
		t.Fatalf("state = %s, want SYNCED", st.State)
	}
	if st.LastUpdateID != 105 {
		t.Fatalf("lastUpdateID = %d, want 105", st.LastUpdateID)
	}
	if st.Buffered != 0 {
		t.Fatalf("buffer not drained: %d", st.Buffered)
	}

	// The first buffered diff (u=101 <= snapshot id) must be discarded, so
	// the 99 bid from it must not exist.
	bids, asks := b.GetBook(10)
	for _, l := range bids {
		if l.Price == "99" {
			t.Error("diff covered by snapshot was applied")
		}
	}
	if len(bids) == 0 || bids[0].Price != "100" {
		t.Fatalf("best bid = %v, want 100", bids)
	}
	if len(asks) == 0 || asks[0].Price != "101" {
		t.Fatalf("best ask = %v, want 101", asks)
	}
	if !b.Valid() {
		t.Error("book should pass the validity gate after sync")
	}
}

func TestCommitFailsWhenSnapshotPredatesBuffer(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()

	// First buffered diff starts well past the snapshot id.
	b.ApplyDiff(diffEvent(200, 205, []binance.PriceLevel{lvl("100", "1")}, nil))

	if b.CommitSnapshot(snapshot(102, nil, nil)) {
		t.Fatal("CommitSnapshot should fail when the first diff cannot straddle the snapshot")
	}

	st := b.Status()
	if st.State != StateGapped {
		t.Fatalf("state = %s, want GAPPED", st.State)
	}
	if !st.NeedsResync {
		t.Error("needsResync should be set after a failed replay")
	}
	if st.ResyncInFlight {
		t.Error("resyncInFlight should be cleared")
	}
	if st.Buffered != 0 {
		t.Error("buffer should be dropped after a failed replay")
	}
	if st.Backoff != 4*time.Second {
		t.Errorf("backoff = %v, want doubled to 4s", st.Backoff)
	}
}

func TestCommitFailsOnBufferHole(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()

	b.ApplyDiff(diffEvent(103, 105, nil, nil))
	b.ApplyDiff(diffEvent(110, 112, nil, nil)) // hole: 106..109 missing

	if b.CommitSnapshot(snapshot(102, nil, nil)) {
		t.Fatal("CommitSnapshot should fail on a non-contiguous buffer")
	}
}

func TestGapAfterSyncBuffersAndFlagsResync(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100,
		[]binance.PriceLevel{lvl("100", "1")},
		[]binance.PriceLevel{lvl("101", "1")}))

	// Contiguous diff applies.
	b.ApplyDiff(diffEvent(101, 102, []binance.PriceLevel{lvl("100", "2")}, nil))
	if st := b.Status(); st.LastUpdateID != 102 || st.State != StateSynced {
		t.Fatalf("contiguous diff not applied: %+v", st)
	}

	// Duplicate is dropped.
	b.ApplyDiff(diffEvent(101, 102, []binance.PriceLevel{lvl("100", "9")}, nil))
	bids, _ := b.GetBook(1)
	if bids[0].Size.String() != "2" {
		t.Error("duplicate diff was applied")
	}

	// Gap flips to GAPPED and buffers the event.
	b.ApplyDiff(diffEvent(110, 111, nil, nil))
	st := b.Status()
	if st.State != StateGapped {
		t.Fatalf("state = %s, want GAPPED", st.State)
	}
	if !st.NeedsResync {
		t.Error("needsResync not set on gap")
	}
	if st.Buffered != 1 {
		t.Errorf("post-gap diff not buffered: %d", st.Buffered)
	}

	// The book content survives for last-good reads.
	if b.Valid() {
		t.Error("gapped book must not pass the validity gate")
	}
}

func TestOverlappingDiffApplies(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100, []binance.PriceLevel{lvl("100", "1")}, []binance.PriceLevel{lvl("101", "1")}))

	// U <= lastUpdateID+1 and u > lastUpdateID: applies.
	b.ApplyDiff(diffEvent(99, 103, []binance.PriceLevel{lvl("100", "7")}, nil))
	if st := b.Status(); st.LastUpdateID != 103 {
		t.Fatalf("overlapping diff not applied, lastUpdateID = %d", st.LastUpdateID)
	}
}

func TestDegradedSeedAndRecovery(t *testing.T) {
	b := newTestBook()

	b.ApplyDiff(diffEvent(50, 55, []binance.PriceLevel{lvl("100", "1")}, []binance.PriceLevel{lvl("101", "1")}))
	st := b.Status()
	if st.State != StateDegraded || !st.Degraded {
		t.Fatalf("first diff in INIT should seed a degraded book, got %+v", st)
	}
	if b.Valid() {
		t.Error("degraded book must not pass the validity gate")
	}

	// Later diffs keep applying by final id.
	b.ApplyDiff(diffEvent(56, 58, []binance.PriceLevel{lvl("100", "3")}, nil))
	b.ApplyDiff(diffEvent(40, 45, []binance.PriceLevel{lvl("100", "9")}, nil)) // stale, dropped
	bids, _ := b.GetBook(1)
	if bids[0].Size.String() != "3" {
		t.Errorf("degraded apply order wrong: size = %s", bids[0].Size)
	}

	// A successful snapshot clears the degraded flag.
	b.BeginSnapshot()
	b.ApplyDiff(diffEvent(200, 201, []binance.PriceLevel{lvl("100", "5")}, nil))
	if !b.CommitSnapshot(snapshot(199, []binance.PriceLevel{lvl("100", "4")}, []binance.PriceLevel{lvl("101", "4")})) {
		t.Fatal("commit should succeed")
	}
	st = b.Status()
	if st.Degraded || st.State != StateSynced {
		t.Fatalf("degraded flag should clear on sync: %+v", st)
	}
}

func TestSnapshotFailedRestoresStateAndDoublesBackoff(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)

	if !b.BeginSnapshot() {
		t.Fatal("first BeginSnapshot should succeed")
	}
	if b.BeginSnapshot() {
		t.Fatal("BeginSnapshot should refuse while a fetch is in flight")
	}

	b.SnapshotFailed()
	st := b.Status()
	if st.State != StateInit {
		t.Fatalf("state = %s, want INIT restored", st.State)
	}
	if st.ResyncInFlight {
		t.Error("resyncInFlight should be cleared")
	}
	if st.Backoff != 4*time.Second {
		t.Errorf("backoff = %v, want 4s", st.Backoff)
	}

	// Backoff saturates at the max.
	for i := 0; i < 10; i++ {
		b.BeginSnapshot()
		b.SnapshotFailed()
	}
	if st := b.Status(); st.Backoff != 30*time.Second {
		t.Errorf("backoff = %v, want capped at 30s", st.Backoff)
	}

	// A success resets it to the floor.
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100, []binance.PriceLevel{lvl("1", "1")}, []binance.PriceLevel{lvl("2", "1")}))
	if st := b.Status(); st.Backoff != 2*time.Second {
		t.Errorf("backoff = %v, want reset to 2s", st.Backoff)
	}
}

func TestBufferOverflowShedsOldestTenPercent(t *testing.T) {
	b := NewBook("BTCUSDT", 20, 2*time.Second, 30*time.Second)
	b.SetSeedPolicy(false)
	b.BeginSnapshot()

	for i := int64(0); i < 20; i++ {
		b.ApplyDiff(diffEvent(i*2+1, i*2+2, nil, nil))
	}
	if st := b.Status(); st.Buffered != 20 {
		t.Fatalf("buffered = %d, want 20", st.Buffered)
	}

	b.ApplyDiff(diffEvent(41, 42, nil, nil))
	st := b.Status()
	if st.Buffered != 19 {
		t.Fatalf("buffered = %d after overflow, want 19 (dropped 2, appended 1)", st.Buffered)
	}
}

func TestInvalidDiffShapeDropped(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()

	b.ApplyDiff(binance.DepthUpdate{FirstID: 10, FinalID: 5})
	b.ApplyDiff(binance.DepthUpdate{FirstID: 0, FinalID: 0})
	if st := b.Status(); st.Buffered != 0 {
		t.Errorf("invalid diffs buffered: %d", st.Buffered)
	}
}

func TestZeroQtyDeletesByVerbatimPriceString(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100, []binance.PriceLevel{lvl("100.50", "1")}, []binance.PriceLevel{lvl("101", "1")}))

	// Same verbatim string, zero qty: level removed.
	b.ApplyDiff(diffEvent(101, 101, []binance.PriceLevel{lvl("100.50", "0")}, nil))
	bids, _ := b.GetBook(10)
	if len(bids) != 0 {
		t.Fatalf("level not deleted: %v", bids)
	}
}

func TestValidityGateRejectsCrossedBook(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	// Crossed: bid 102 >= ask 101.
	b.CommitSnapshot(snapshot(100, []binance.PriceLevel{lvl("102", "1")}, []binance.PriceLevel{lvl("101", "1")}))
	if b.Valid() {
		t.Error("crossed book must not pass the validity gate")
	}

	// One-sided book fails too.
	b2 := newTestBook()
	b2.SetSeedPolicy(false)
	b2.BeginSnapshot()
	b2.CommitSnapshot(snapshot(100, []binance.PriceLevel{lvl("100", "1")}, nil))
	if b2.Valid() {
		t.Error("one-sided book must not pass the validity gate")
	}
}

func TestLastGoodRetainedAcrossGap(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100,
		[]binance.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		[]binance.PriceLevel{lvl("101", "1")}))

	if _, _, ok := b.LastGood(); ok {
		t.Fatal("LastGood should be empty before the first valid read")
	}
	b.GetBook(10)
	bids, asks, ok := b.LastGood()
	if !ok || len(bids) != 2 || len(asks) != 1 {
		t.Fatalf("LastGood not captured: %v %v %v", bids, asks, ok)
	}

	// Gap invalidates the live gate but the retained view survives.
	b.ApplyDiff(diffEvent(500, 501, nil, nil))
	if b.Valid() {
		t.Fatal("gapped book should be invalid")
	}
	bids, _, ok = b.LastGood()
	if !ok || bids[0].Price != "100" {
		t.Error("LastGood lost across gap")
	}
}

func TestGetBookOrderingAndCumulative(t *testing.T) {
	b := newTestBook()
	b.SetSeedPolicy(false)
	b.BeginSnapshot()
	b.CommitSnapshot(snapshot(100,
		[]binance.PriceLevel{lvl("99", "2"), lvl("100", "1"), lvl("98.5", "3")},
		[]binance.PriceLevel{lvl("102", "2"), lvl("101", "1")}))

	bids, asks := b.GetBook(2)
	if len(bids) != 2 || bids[0].Price != "100" || bids[1].Price != "99" {
		t.Fatalf("bids not descending: %v", bids)
	}
	if bids[1].Cumulative.String() != "3" {
		t.Errorf("bid cumulative = %s, want 3", bids[1].Cumulative)
	}
	if len(asks) != 2 || asks[0].Price != "101" || asks[1].Price != "102" {
		t.Fatalf("asks not ascending: %v", asks)
	}
	if asks[1].Cumulative.String() != "3" {
		t.Errorf("ask cumulative = %s, want 3", asks[1].Cumulative)
	}
}
