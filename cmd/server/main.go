// Command weave-server starts an in-memory Sync 1.5 storage server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/restmachine/weavesync/internal/storageserver"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main parses configuration and starts the HTTP storage server.
func main() {
	// Flags
	addr := flag.String("addr", ":8090", "listen address")
	secret := flag.String("secret", "", "HS256 token signing key (required)")
	tokenTTL := flag.Duration("token-ttl", 5*time.Minute, "storage token TTL")
	noBatches := flag.Bool("no-batches", false, "disable the batch upload protocol")
	maxPost := flag.Int("max-post-records", 0, "max records per POST (0 = unlimited)")
	maxTotal := flag.Int("max-total-records", 0, "max records per batch (0 = unlimited)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	if *secret == "" {
		logger.Fatal("missing token signing key (--secret)")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := storageserver.New(storageserver.Config{
		Secret:          []byte(*secret),
		TokenTTL:        *tokenTTL,
		DisableBatches:  *noBatches,
		MaxPostRecords:  *maxPost,
		MaxTotalRecords: *maxTotal,
	}, logger)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		// graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
