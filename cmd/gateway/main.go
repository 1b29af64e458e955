package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiosklabs/voice-gateway/internal/catalog"
	"github.com/kiosklabs/voice-gateway/internal/conversation"
	"github.com/kiosklabs/voice-gateway/internal/customer"
	"github.com/kiosklabs/voice-gateway/internal/event"
	"github.com/kiosklabs/voice-gateway/internal/orchestrator"
	"github.com/kiosklabs/voice-gateway/internal/order"
	"github.com/kiosklabs/voice-gateway/internal/ratelimit"
	"github.com/kiosklabs/voice-gateway/internal/registry"
	"github.com/kiosklabs/voice-gateway/internal/upstream"
	"github.com/kiosklabs/voice-gateway/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	// Assigned only when configured: a typed-nil *order.Store would defeat
	// the orchestrator's interface nil check.
	var orders orchestrator.OrderStore
	if cfg.ordersDSN != "" {
		store, err := order.OpenStore(cfg.ordersDSN)
		if err != nil {
			slog.Error("order store unavailable", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		orders = store
		slog.Info("order persistence enabled")
	}

	var menu *catalog.Client
	if cfg.catalogURL != "" {
		menu = catalog.NewClient(cfg.catalogURL, cfg.catalogPoolSize)
		slog.Info("catalog validation enabled", "url", cfg.catalogURL)
	}

	var customers *customer.Client
	if cfg.customerURL != "" {
		var cache *redis.Client
		if cfg.redisAddr != "" {
			cache = redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
			defer cache.Close()
		}
		customers = customer.NewClient(cfg.customerURL, cache, cfg.customerCacheTTL)
		slog.Info("customer lookup enabled", "url", cfg.customerURL, "cached", cfg.redisAddr != "")
	}

	var fallback *orchestrator.Fallback
	if cfg.upstreamAPIKey != "" {
		fallback = orchestrator.NewFallback(cfg.upstreamAPIKey, cfg.fallbackModel)
	}

	orc := orchestrator.New(orchestrator.Config{
		Registry:      registry.New(cfg.sessionExpiry),
		Limiter: ratelimit.New(ratelimit.Config{
			SessionPerMinute: cfg.sessionPerMinute,
			GlobalPerMinute:  cfg.globalPerMinute,
			CustomerShare:    cfg.customerShare,
		}),
		Conversations: conversation.NewStore(cfg.conversationTokens),
		Upstream: upstream.Config{
			URL:    cfg.upstreamURL,
			APIKey: cfg.upstreamAPIKey,
			Session: event.SessionConfig{
				Voice:             cfg.upstreamVoice,
				Instructions:      cfg.upstreamInstructions,
				InputAudioFormat:  "pcm16",
				OutputAudioFormat: "pcm16",
				TurnDetection: event.TurnDetection{
					Type:              "server_vad",
					Threshold:         cfg.vadThreshold,
					SilenceDurationMS: cfg.vadSilenceMS,
				},
			},
			MaxReconnectAttempts: cfg.maxReconnectAttempts,
			BackoffBase:          cfg.backoffBase,
			MaxBackoff:           cfg.maxBackoff,
			HeartbeatInterval:    cfg.heartbeatInterval,
		},
		Catalog:            menu,
		Customers:          customers,
		Orders:             orders,
		Fallback:           fallback,
		TaxRate:            cfg.taxRate,
		MinTotalCents:      int64(cfg.minTotalCents),
		UpstreamSampleRate: cfg.upstreamSampleRate,
	})

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := orc.Connect(connectCtx); err != nil {
		slog.Warn("upstream connect deferred", "error", err)
	}
	connectCancel()

	go orc.Run()

	handler := ws.NewHandler(ws.HandlerConfig{
		Orchestrator:  orc,
		MaxConcurrent: cfg.maxConcurrentSessions,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{orc: orc, wsHandler: handler})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := orc.Shutdown(ctx); err != nil {
			slog.Warn("orchestrator shutdown", "error", err)
		}
		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr, "max_concurrent", cfg.maxConcurrentSessions)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}
