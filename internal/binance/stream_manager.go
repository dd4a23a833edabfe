package binance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-depth-gateway/internal/events"
	"binance-depth-gateway/internal/logging"
)

// Connection states reported by /health.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
)

const (
	pingInterval    = 30 * time.Second
	baseReconnect   = time.Second
	reconnectJitter = time.Second
)

// StreamManager owns the single upstream combined-stream connection. It is
// driven by the union of client subscriptions: whenever the desired symbol
// set differs from the subscribed set, or the connection is down, it tears
// down and re-dials with the new stream list. An empty set means no
// connection at all.
type StreamManager struct {
	baseURL           string
	bus               *events.Bus
	maxReconnectDelay time.Duration
	log               zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[string]struct{} // symbols on the live connection
	desired    map[string]struct{} // latest union from the registry
	state      string
	epoch      int // bumps per connection so stale readers exit quietly
	attempts   int
	lastPong   time.Time
	closed     bool

	reconnectTimer *time.Timer
}

// NewStreamManager creates a manager publishing frames onto bus.
func NewStreamManager(baseURL string, bus *events.Bus, maxReconnectDelay time.Duration) *StreamManager {
	return &StreamManager{
		baseURL:           baseURL,
		bus:               bus,
		maxReconnectDelay: maxReconnectDelay,
		subscribed:        make(map[string]struct{}),
		desired:           make(map[string]struct{}),
		state:             StateDisconnected,
		log:               logging.Component("stream"),
	}
}

// EnsureStreams reconciles the connection with the desired symbol union.
// Safe to call from any goroutine on every registry change.
func (m *StreamManager) EnsureStreams(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.desired = make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		m.desired[strings.ToUpper(s)] = struct{}{}
	}

	if m.conn != nil && m.state == StateConnected && setsEqual(m.desired, m.subscribed) {
		return
	}
	m.reconnectLocked()
}

// State returns the connection state for /health.
func (m *StreamManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the current attempt counter for /health.
func (m *StreamManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Close tears the connection down permanently for shutdown.
func (m *StreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.closeConnLocked()
	m.state = StateDisconnected
}

// reconnectLocked drops the current connection and dials with the desired
// set. Caller must hold m.mu.
func (m *StreamManager) reconnectLocked() {
	m.closeConnLocked()

	if len(m.desired) == 0 {
		m.state = StateDisconnected
		m.subscribed = make(map[string]struct{})
		m.log.Info().Msg("no subscribed symbols, upstream idle")
		return
	}

	m.state = StateConnecting
	streams := buildStreamList(m.desired)
	streamURL := fmt.Sprintf("%s/stream?streams=%s", m.baseURL, strings.Join(streams, "/"))

	m.log.Info().Int("symbols", len(m.desired)).Msg("connecting to upstream")

	conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
	if err != nil {
		m.log.Error().Err(err).Msg("upstream dial failed")
		m.state = StateDisconnected
		m.scheduleReconnectLocked()
		return
	}

	m.conn = conn
	m.subscribed = make(map[string]struct{}, len(m.desired))
	for s := range m.desired {
		m.subscribed[s] = struct{}{}
	}
	m.state = StateConnected
	m.attempts = 0
	m.epoch++
	m.lastPong = time.Now()

	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.lastPong = time.Now()
		m.mu.Unlock()
		return nil
	})

	go m.readLoop(conn, m.epoch)
	go m.pingLoop(conn, m.epoch)

	m.log.Info().Int("streams", len(streams)).Msg("upstream connected")
}

// closeConnLocked closes the socket if open. Caller must hold m.mu.
func (m *StreamManager) closeConnLocked() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// scheduleReconnectLocked arms the backoff timer. Caller must hold m.mu.
func (m *StreamManager) scheduleReconnectLocked() {
	if m.closed || len(m.desired) == 0 {
		return
	}

	delay := baseReconnect << uint(m.attempts)
	if delay > m.maxReconnectDelay || delay <= 0 {
		delay = m.maxReconnectDelay
	}
	delay += time.Duration(rand.Int63n(int64(reconnectJitter)))
	m.attempts++

	m.log.Warn().Dur("delay", delay).Int("attempt", m.attempts).Msg("scheduling upstream reconnect")

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || m.state == StateConnected {
			return
		}
		m.reconnectLocked()
	})
}

// readLoop drains one connection in arrival order. A reconnect starts a new
// epoch; readers from dead connections see the epoch mismatch and exit.
func (m *StreamManager) readLoop(conn *websocket.Conn, epoch int) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.epoch != epoch || m.closed {
				m.mu.Unlock()
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("upstream read error")
			} else {
				m.log.Info().Msg("upstream connection closed")
			}
			m.closeConnLocked()
			m.state = StateDisconnected
			m.scheduleReconnectLocked()
			m.mu.Unlock()
			return
		}

		m.publish(message)
	}
}

// pingLoop keeps the connection alive and declares it dead after two
// missed pong replies, forcing the read loop to fail over to a reconnect.
func (m *StreamManager) pingLoop(conn *websocket.Conn, epoch int) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if m.epoch != epoch || m.closed || m.conn != conn {
			m.mu.Unlock()
			return
		}
		stale := time.Since(m.lastPong) > 2*pingInterval
		m.mu.Unlock()

		if stale {
			m.log.Warn().Msg("upstream missed pong replies, closing connection")
			conn.Close()
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			conn.Close()
			return
		}
	}
}

// publish decodes the combined-stream envelope enough to tag the event and
// hands the raw frame to the bus.
func (m *StreamManager) publish(message []byte) {
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	event := events.StreamEvent{Raw: message}

	if err := json.Unmarshal(message, &wrapper); err == nil && wrapper.Stream != "" {
		event.Stream = wrapper.Stream
		event.Data = wrapper.Data

		var head struct {
			EventType string `json:"e"`
			Symbol    string `json:"s"`
		}
		if err := json.Unmarshal(wrapper.Data, &head); err == nil {
			event.Symbol = strings.ToUpper(head.Symbol)
			event.Kind = events.Kind(head.EventType)
		}
	}

	m.bus.Publish(event)
}

// buildStreamList expands each symbol into its three stream names, sorted
// for a stable URL.
func buildStreamList(symbols map[string]struct{}) []string {
	streams := make([]string, 0, len(symbols)*3)
	for s := range symbols {
		lower := strings.ToLower(s)
		streams = append(streams,
			lower+"@depth@100ms",
			lower+"@aggTrade",
			lower+"@miniTicker",
		)
	}
	sort.Strings(streams)
	return streams
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
