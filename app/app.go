// Package app assembles a fleet.Service from configuration. It is shared by
// the HTTP server and the fleetctl command.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/fleet-ledger/config"
	"github.com/warp/fleet-ledger/fleet"
	"github.com/warp/fleet-ledger/store/redis"
	"github.com/warp/fleet-ledger/store/sqlite"
)

// App owns the store, the optional Redis client and the service.
type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	Store   *sqlite.Store
	Service *fleet.Service

	rdb *goredis.Client
}

// Open connects the SQLite store and, when REDIS_ADDR is set, Redis-backed
// locking and numbering. The Redis counters are moved past the payment
// numbers already stored before the service is returned.
func Open(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	a := &App{Config: cfg, Log: log, Store: store}

	opts := []fleet.Option{
		fleet.WithLogger(log),
		fleet.WithBackoff(cfg.Engine.Retry),
		fleet.WithOperationTimeout(cfg.Engine.OperationTimeout),
	}

	if cfg.Redis.Enabled() {
		rdb, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.rdb = rdb

		seq := redis.NewSequencer(rdb)
		if err := seq.SeedFromPayments(ctx, store.Payments(), fleet.PaymentReceive.Prefix(), fleet.PaymentBalanceAdd.Prefix()); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to seed payment numbers: %w", err)
		}
		opts = append(opts,
			fleet.WithLocker(redis.NewLocker(rdb, cfg.Redis.LockTTL)),
			fleet.WithSequencer(seq),
		)
		log.WithFields(logrus.Fields{"module": "app", "addr": cfg.Redis.Addr}).Info("using redis for locks and payment numbers")
	}

	a.Service = fleet.New(store, opts...)
	return a, nil
}

// Close releases the store and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
