package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stratumcache/stratum/internal/compress"
	"github.com/stratumcache/stratum/internal/config"
	"github.com/stratumcache/stratum/internal/logger"
	"github.com/stratumcache/stratum/internal/metrics"
	"github.com/stratumcache/stratum/internal/server"
	"github.com/stratumcache/stratum/internal/storage"
	"github.com/stratumcache/stratum/internal/transfer"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer log.Sync() //nolint:errcheck

	log.Info("Stratum starting",
		zap.String("port", cfg.Server.Port),
		zap.Uint("shards", cfg.Storage.Shards),
		zap.Int("compression_min_bytes", cfg.Compression.MinBytes),
		zap.Int("compression_max_bytes", cfg.Compression.MaxBytes),
	)

	comp := compress.New(cfg.Compression.MinBytes, cfg.Compression.MaxBytes)

	db, err := storage.NewShardedMapStorage(cfg.Storage.Shards, comp)
	if err != nil {
		log.Error("cant initialize storage", zap.Error(err))
		return
	}

	transfers := transfer.NewManager(db, cfg.Transfer.IdleTimeout)
	engine := server.NewEngine(db, transfers, comp, metrics.New(), cfg, log)

	address := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		log.Error("listener error", zap.Error(err))
		return
	}
	log.Info("listening on", zap.String("address", address))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error("Accept error", zap.Error(err))
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				server.HandleConn(conn, engine, log)
			}()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down...")

	listener.Close() //nolint:errcheck
	engine.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All connections closed gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timed out, forcing exit", zap.Duration("timeout", 5*time.Second))
	}

	log.Info("Stratum stopped")
}
