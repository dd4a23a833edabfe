package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"binance-depth-gateway/config"
	"binance-depth-gateway/internal/api"
	"binance-depth-gateway/internal/binance"
	"binance-depth-gateway/internal/cache"
	"binance-depth-gateway/internal/events"
	"binance-depth-gateway/internal/logging"
	"binance-depth-gateway/internal/orderbook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})

	log.Info().
		Int("port", cfg.ServerConfig.Port).
		Str("rest", cfg.UpstreamConfig.RESTBaseURL).
		Str("ws", cfg.UpstreamConfig.WSBaseURL).
		Msg("starting depth gateway")

	bus := events.NewBus()
	depthCache := binance.NewDepthCache(cfg.DepthConfig.CacheTTL())
	tracker := binance.NewRateTracker(
		cfg.DepthConfig.RateLimitInterval(),
		cfg.DepthConfig.MinBackoff(),
		cfg.DepthConfig.MaxBackoff(),
	)

	// Redis is a strictly optional second cache tier. A nil store means
	// everything runs in memory.
	var store *cache.SnapshotStore
	if cfg.RedisConfig.Enabled {
		store, err = cache.NewSnapshotStore(cfg.RedisConfig)
		if err != nil {
			log.Warn().Err(err).Msg("redis snapshot store unavailable, continuing without it")
			store = nil
		}
	}
	var snapStore binance.SnapshotStore
	var loader api.SnapshotLoader
	if store != nil {
		snapStore = store
		loader = store
	}

	rest := binance.NewRESTClient(
		cfg.UpstreamConfig.RESTBaseURL,
		cfg.DepthConfig.SnapshotTimeout(),
		depthCache,
		tracker,
		snapStore,
	)

	streams := binance.NewStreamManager(cfg.UpstreamConfig.WSBaseURL, bus, cfg.DepthConfig.MaxReconnectDelay())

	books := orderbook.NewManager(orderbook.Config{
		MaxBuffer:     cfg.DepthConfig.MaxBuffer,
		MinBackoff:    cfg.DepthConfig.MinBackoff(),
		MaxBackoff:    cfg.DepthConfig.MaxBackoff(),
		SchedulerTick: cfg.DepthConfig.SchedulerTick(),
		GracePeriod:   cfg.DepthConfig.BookGracePeriod(),
	}, rest)

	hub := api.NewHub(func(symbols []string) {
		streams.EnsureStreams(symbols)
		books.SetActiveSymbols(symbols)
	})

	// Single subscription point: the upstream reader publishes each frame
	// once, the hub fans it out and the book manager taps depth diffs.
	bus.Subscribe(hub.HandleEvent)
	bus.Subscribe(books.HandleEvent)

	server := api.NewServer(cfg.ServerConfig, depthCache, tracker, rest, loader, streams, books, hub)

	ctx, cancel := context.WithCancel(context.Background())
	go books.Run(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	cancel()
	streams.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	if store != nil {
		store.Close()
	}

	log.Info().Msg("gateway stopped")
}
