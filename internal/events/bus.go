package events

import (
	"encoding/json"
	"sync"
)

// Kind identifies the upstream event carried by a frame.
type Kind string

const (
	KindDepthUpdate Kind = "depthUpdate"
	KindAggTrade    Kind = "aggTrade"
	KindMiniTicker  Kind = "24hrMiniTicker"
	KindUnknown     Kind = ""
)

// StreamEvent is one upstream combined-stream frame. Raw is the frame
// exactly as received and is what gets forwarded to downstream clients;
// Data is the inner payload for consumers that decode it.
type StreamEvent struct {
	Stream string
	Symbol string // uppercase; empty when extraction failed
	Kind   Kind
	Raw    []byte
	Data   json.RawMessage
}

// Subscriber handles stream events. Handlers run on the publisher's
// goroutine; they must not block.
type Subscriber func(StreamEvent)

// Bus fans upstream frames out to in-process consumers (the client hub and
// the book engines). Delivery is synchronous so that the single upstream
// reader goroutine preserves per-symbol arrival order end to end.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every published event.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Publish delivers the event to all subscribers in registration order.
func (b *Bus) Publish(event StreamEvent) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}
