// Package main provides the lobby server binary: the websocket coordinator,
// the account HTTP API, metrics and the gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/config"
	"github.com/cory-johannsen/chessence/internal/httpapi"
	"github.com/cory-johannsen/chessence/internal/hub"
	"github.com/cory-johannsen/chessence/internal/lobby/session"
	"github.com/cory-johannsen/chessence/internal/observability"
	"github.com/cory-johannsen/chessence/internal/server"
	"github.com/cory-johannsen/chessence/internal/storage/postgres"
	"github.com/cory-johannsen/chessence/internal/storage/sqlite"
)

const shutdownTimeout = 15 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting lobby server",
		zap.String("http_addr", cfg.HTTP.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.String("storage", cfg.Storage.Driver),
	)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening account store", zap.Error(err))
	}
	defer store.close()

	metrics := observability.NewMetrics()
	writes := hub.NewWriteQueue(cfg.Lobby.WriteQueueSize, cfg.Lobby.WriteTimeout, metrics, logger.Named("writes"))
	lobbyHub := hub.New(store.repo, writes, hub.Options{MaxCodeAttempts: cfg.Lobby.MaxCodeAttempts}, metrics, logger.Named("hub"))
	sweeper := session.NewSweeper(lobbyHub.Guard(), clock.New(), cfg.Lobby.SweepInterval, logger.Named("sweeper"))

	transport := hub.NewTransport(lobbyHub, cfg.WebSocket, cfg.HTTP.AllowedOrigins, logger.Named("ws"))
	api := httpapi.NewAPI(store.repo, lobbyHub.Friends(), lobbyHub.Guard(), metrics, store.ready, logger.Named("http"))
	httpSrv := httpapi.NewServer(cfg.HTTP, api.Handler(transport, cfg.HTTP.AllowedOrigins), logger.Named("http"))
	health := server.NewHealthService(cfg.Health.Addr(), cfg.Health.CheckInterval, server.Checker(store.ready), logger.Named("health"))

	// Services stop in reverse order: listeners first, the write queue last
	// so releases queued during shutdown still land.
	lifecycle := server.NewLifecycle(logger, shutdownTimeout)
	lifecycle.Add("writes", writes)
	lifecycle.Add("hub", lobbyHub)
	lifecycle.Add("sweeper", sweeper)
	lifecycle.Add("http", httpSrv)
	lifecycle.Add("health", health)

	logger.Info("lobby server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("lobby server exited with error", zap.Error(err))
	}
}

type accountStore struct {
	repo  account.Repository
	ready httpapi.ReadyFunc
	close func()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (accountStore, error) {
	dbStart := time.Now()
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return accountStore{}, err
		}
		logger.Info("sqlite store opened",
			zap.String("path", cfg.Storage.SQLitePath),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return accountStore{
			repo:  s,
			ready: s.Health,
			close: func() { _ = s.Close() },
		}, nil
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return accountStore{}, err
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Int32("conns_in_use", pool.InUse()),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return accountStore{
			repo:  pool.Accounts(),
			ready: pool.Ready,
			close: pool.Close,
		}, nil
	default:
		return accountStore{}, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
