package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"binance-depth-gateway/internal/logging"
)

// MaxDepthLimit is the largest depth the upstream accepts.
const MaxDepthLimit = 1000

// ErrMalformed marks payloads missing required fields.
var ErrMalformed = errors.New("malformed upstream payload")

// SnapshotStore receives successful snapshots for write-through persistence.
// The Redis L2 cache implements it; a nil store disables write-through.
type SnapshotStore interface {
	StoreSnapshot(ctx context.Context, symbol string, snap *DepthSnapshot)
}

// RESTClient fetches bounded depth snapshots. It classifies failures into
// the rate tracker and writes successes into the depth cache, but never
// retries on its own; retry cadence belongs to the callers.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	cache      *DepthCache
	tracker    *RateTracker
	store      SnapshotStore
	log        zerolog.Logger
}

// NewRESTClient creates a snapshot fetcher with the given hard timeout.
func NewRESTClient(baseURL string, timeout time.Duration, cache *DepthCache, tracker *RateTracker, store SnapshotStore) *RESTClient {
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		tracker:    tracker,
		store:      store,
		log:        logging.Component("rest"),
	}
}

// FetchDepth performs one GET /fapi/v1/depth call. On any failure it
// records the classification with the rate tracker and returns nil. The
// limit is capped at MaxDepthLimit.
func (c *RESTClient) FetchDepth(ctx context.Context, symbol string, limit int) *DepthSnapshot {
	if limit > MaxDepthLimit {
		limit = MaxDepthLimit
	}
	if limit < 0 {
		limit = 0
	}

	values := url.Values{}
	values.Set("symbol", symbol)
	values.Set("limit", strconv.Itoa(limit))
	reqURL := fmt.Sprintf("%s/fapi/v1/depth?%s", c.baseURL, values.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		c.tracker.OnError(symbol)
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("depth fetch failed")
		c.tracker.OnError(symbol)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.tracker.OnError(symbol)
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		c.log.Warn().Str("symbol", symbol).Int("status", resp.StatusCode).
			Dur("backoff", c.tracker.Backoff(symbol)).Msg("depth fetch rate limited")
		c.tracker.OnRateLimited(symbol)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Str("symbol", symbol).Int("status", resp.StatusCode).Msg("depth fetch error status")
		c.tracker.OnError(symbol)
		return nil
	}

	snap, err := parseDepthSnapshot(body)
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("depth payload malformed")
		c.tracker.OnError(symbol)
		return nil
	}

	c.tracker.OnSuccess(symbol)
	c.cache.Put(symbol, snap)
	if c.store != nil {
		c.store.StoreSnapshot(ctx, symbol, snap)
	}
	return snap
}

// parseDepthSnapshot validates the required shape: lastUpdateId present and
// bids/asks are arrays. Partial responses from an overloaded upstream are
// treated as malformed rather than applied.
func parseDepthSnapshot(body []byte) (*DepthSnapshot, error) {
	var raw struct {
		LastUpdateID *int64          `json:"lastUpdateId"`
		Bids         json.RawMessage `json:"bids"`
		Asks         json.RawMessage `json:"asks"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.LastUpdateID == nil {
		return nil, fmt.Errorf("%w: missing lastUpdateId", ErrMalformed)
	}

	snap := &DepthSnapshot{LastUpdateID: *raw.LastUpdateID}
	if err := json.Unmarshal(raw.Bids, &snap.Bids); err != nil {
		return nil, fmt.Errorf("%w: bids not an array", ErrMalformed)
	}
	if err := json.Unmarshal(raw.Asks, &snap.Asks); err != nil {
		return nil, fmt.Errorf("%w: asks not an array", ErrMalformed)
	}
	if snap.Bids == nil {
		snap.Bids = []PriceLevel{}
	}
	if snap.Asks == nil {
		snap.Asks = []PriceLevel{}
	}
	return snap, nil
}
