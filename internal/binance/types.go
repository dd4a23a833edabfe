package binance

// Wire types for the Binance USDT-M futures public market data surfaces.
// Prices and quantities are kept as decimal strings end to end; the gateway
// never reformats them.

// PriceLevel is one [price, qty] pair as sent by the exchange.
type PriceLevel [2]string

// Price returns the price string of the level.
func (l PriceLevel) Price() string { return l[0] }

// Qty returns the quantity string of the level.
func (l PriceLevel) Qty() string { return l[1] }

// DepthSnapshot is the /fapi/v1/depth response plus the cache timestamp.
type DepthSnapshot struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	CachedAt     int64        `json:"cachedAt"` // wall-clock millis, set on cache write
}

// DepthUpdate is one depthUpdate stream event. FirstID and FinalID bound
// the update-id range covered by the event; PrevID carries the upstream's
// pu field.
type DepthUpdate struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	FirstID   int64        `json:"U"`
	FinalID   int64        `json:"u"`
	PrevID    int64        `json:"pu"`
	Bids      []PriceLevel `json:"b"`
	Asks      []PriceLevel `json:"a"`
}

// AggTrade is one aggTrade stream event.
type AggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// MiniTicker is one 24hrMiniTicker stream event.
type MiniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

// Stream event kinds the gateway recognizes. Frames of other kinds are
// still forwarded raw; only the book tap ignores them.
const (
	EventDepthUpdate = "depthUpdate"
	EventAggTrade    = "aggTrade"
	EventMiniTicker  = "24hrMiniTicker"
)
