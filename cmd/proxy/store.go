package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/sensor-proxy/internal/database"
	"github.com/smukkama/sensor-proxy/internal/store"
	"github.com/smukkama/sensor-proxy/pkg/config"
)

// recordStore is the configured backend plus whatever must be closed with it.
type recordStore struct {
	store store.Store
	db    *database.DB
	close func() error
}

func (r *recordStore) Close() {
	if r.close != nil {
		_ = r.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, lg *zap.Logger) (*recordStore, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		lg.Warn("using in-memory record store, data is lost on restart")
		return &recordStore{store: store.NewMemoryStore()}, nil

	case config.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := store.NewRedisStore(redisClient, cfg.Store.RedisKeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			redisClient.Close()
			return nil, err
		}
		lg.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
		return &recordStore{store: rs, close: redisClient.Close}, nil

	case config.BackendPostgres:
		db, err := database.Connect(cfg.Database.ConnectionString(), lg)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations("migrations"); err != nil {
			db.Close()
			return nil, err
		}
		lg.Info("connected to database", zap.String("host", cfg.Database.Host))
		return &recordStore{store: store.NewPostgresStore(db.DB), db: db, close: db.Close}, nil

	default:
		return nil, fmt.Errorf("unknown record store backend %q", cfg.Store.Backend)
	}
}
