package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"binance-depth-gateway/internal/binance"
)

const defaultDepthLimit = 100

// depthResponse is the REST depth payload. Bids and asks keep the
// upstream [price, qty] string pairs untouched.
type depthResponse struct {
	LastUpdateID int64                `json:"lastUpdateId"`
	Bids         []binance.PriceLevel `json:"bids"`
	Asks         []binance.PriceLevel `json:"asks"`
	CachedAt     int64                `json:"cachedAt"`
	Source       string               `json:"source"`
}

// handleDepth serves GET /api/depth/:symbol. Order of preference: fresh
// cache, upstream fetch, any cached snapshot, secondary cache, then 503
// with a retry hint.
func (s *Server) handleDepth(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol required"})
		return
	}

	limit := defaultDepthLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if limit > binance.MaxDepthLimit {
		limit = binance.MaxDepthLimit
	}

	now := time.Now()
	cached, age, haveCached := s.cache.Get(symbol)

	// A fresh cache entry short-circuits the upstream entirely.
	if haveCached && s.cache.Fresh(age) {
		s.respondDepth(c, cached, limit, "cache")
		return
	}

	// Throttled symbols keep serving recently cached data instead of
	// hammering the upstream.
	if s.tracker.ShouldThrottle(symbol, now) && haveCached && s.cache.Serveable(age) {
		s.respondDepth(c, cached, limit, "cache")
		return
	}

	if snap := s.fetcher.FetchDepth(c.Request.Context(), symbol, limit); snap != nil {
		s.respondDepth(c, snap, limit, "binance")
		return
	}

	// Upstream failed. Fall back to whatever cached data exists.
	if haveCached {
		s.respondDepth(c, cached, limit, "cache")
		return
	}
	if s.loader != nil {
		if snap := s.loader.LoadSnapshot(c.Request.Context(), symbol); snap != nil {
			s.respondDepth(c, snap, limit, "cache")
			return
		}
	}

	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":      "depth unavailable",
		"symbol":     symbol,
		"retryAfter": s.tracker.Backoff(symbol).Milliseconds(),
	})
}

// respondDepth truncates a snapshot to the requested depth and writes it.
func (s *Server) respondDepth(c *gin.Context, snap *binance.DepthSnapshot, limit int, source string) {
	c.JSON(http.StatusOK, depthResponse{
		LastUpdateID: snap.LastUpdateID,
		Bids:         truncateLevels(snap.Bids, limit),
		Asks:         truncateLevels(snap.Asks, limit),
		CachedAt:     snap.CachedAt,
		Source:       source,
	})
}

func truncateLevels(levels []binance.PriceLevel, limit int) []binance.PriceLevel {
	if levels == nil {
		return []binance.PriceLevel{}
	}
	if len(levels) > limit {
		return levels[:limit]
	}
	return levels
}

// handleHealth reports gateway liveness and sync visibility. Degraded
// upstream state never fails this endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	hits, misses := s.cache.Stats()

	resp := gin.H{
		"ok":                true,
		"uptime":            int64(time.Since(s.startTime).Seconds()),
		"wsClients":         s.hub.ClientCount(),
		"binanceWsState":    s.upstream.State(),
		"cacheSize":         s.cache.Size(),
		"activeSymbols":     s.books.ActiveSymbols(),
		"bookStates":        s.books.States(),
		"cacheHits":         hits,
		"cacheMisses":       misses,
		"reconnectAttempts": s.upstream.ReconnectAttempts(),
	}
	if s.loader != nil {
		resp["redisHealthy"] = s.loader.IsHealthy()
	}
	c.JSON(http.StatusOK, resp)
}
