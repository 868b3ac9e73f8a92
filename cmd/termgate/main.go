// termgate: a browser-accessible terminal gateway. Multiplexes persistent
// shell sessions (backed by an external tmux-compatible multiplexer) over
// authenticated WebSockets, with a sandboxed REST surface for session
// metadata, files, and per-identity storage.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"termgate/internal/config"
	"termgate/internal/gateway"
	"termgate/internal/kvstore"
	"termgate/internal/logging"
	"termgate/internal/metrics"
	"termgate/internal/ptychan"
	"termgate/internal/ratelimit"
	"termgate/internal/registry"
	"termgate/internal/restapi"
	"termgate/internal/sandbox"
	"termgate/internal/supervisor"
	"termgate/internal/tmux"
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("configuration invalid", zap.Error(err))
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// A multiplexer that can't be reached is fatal before any traffic.
	adapter := tmux.New(cfg.MuxBin)
	if err := adapter.Probe(context.Background()); err != nil {
		logging.L().Fatal("multiplexer unavailable", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logging.L().Fatal("data directory unavailable", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	store, err := kvstore.Open(cfg.DataDir)
	if err != nil {
		logging.L().Fatal("store open failed", zap.Error(err))
	}

	var backend ratelimit.DistributedBackend
	if cfg.RedisURL != "" {
		backend, err = ratelimit.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			logging.L().Fatal("redis backend unavailable", zap.Error(err))
		}
		logging.L().Info("distributed rate-limit backend enabled")
	}

	limiter := ratelimit.New(ratelimit.Config{
		ReadRatePerMin:  cfg.ReadRatePerMin,
		WriteRatePerMin: cfg.WriteRatePerMin,
		Backend:         backend,
	})
	defer limiter.Stop()

	reg := registry.New()
	box := sandbox.New()

	attach := func(name string, cols, rows int) (gateway.PTY, error) {
		return ptychan.Attach(cfg.MuxBin, name, cols, rows)
	}
	gw := gateway.New(gateway.Config{
		AuthToken:           cfg.AuthToken,
		DefaultCwd:          cfg.DefaultCwd,
		MaxConnsPerIdentity: cfg.MaxConnsPerIdentity,
		CORSOrigin:          cfg.CORSOrigin,
		TrustProxyHops:      cfg.TrustProxyHops,
	}, reg, adapter, attach, box, limiter)

	api := restapi.NewServer(restapi.Config{
		AuthToken:      cfg.AuthToken,
		APIKeyHashes:   apiKeyHashes(),
		CORSOrigin:     cfg.CORSOrigin,
		TrustProxyHops: cfg.TrustProxyHops,
	}, reg, adapter, box, store)

	router := gin.New()
	router.GET("/ws", gw.HandleWebSocket)
	api.Mount(router, limiter)

	sup := supervisor.New(adapter, reg, gw, cfg.SessionTTL)
	sup.Start()
	defer sup.Stop()

	metricsSrv := metrics.Serve(cfg.MetricsAddr)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logging.L().Info("termgate listening",
			zap.String("addr", cfg.Addr()), zap.Bool("tls", cfg.TLSEnabled),
			zap.Bool("auth", cfg.AuthEnabled()))
		var err error
		if cfg.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.L().Fatal("listener failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.L().Info("shutdown signal received")

	sup.Stop()
	supervisor.GracefulShutdown(gw, []*http.Server{srv, metricsSrv}, store)
}

// apiKeyHashes reads the optional bcrypt-hashed REST API keys. Kept out
// of config.Config because only the REST auth middleware consumes them.
func apiKeyHashes() []string {
	raw := os.Getenv("TERMGATE_API_KEY_HASHES")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	hashes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			hashes = append(hashes, p)
		}
	}
	return hashes
}
