package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker"
	amqpbroker "github.com/xraph/fiscal/broker/amqp"
	membroker "github.com/xraph/fiscal/broker/memory"
	redisbroker "github.com/xraph/fiscal/broker/redis"
	"github.com/xraph/fiscal/store"
	"github.com/xraph/fiscal/store/memory"
	"github.com/xraph/fiscal/store/postgres"
	redisstore "github.com/xraph/fiscal/store/redis"
)

// openBroker builds the broker named by cfg. The returned closer releases
// any connection the broker does not own.
func openBroker(cfg fiscal.BackendConfig, logger *slog.Logger) (broker.Broker, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Kind {
	case "", "memory":
		return membroker.New(), nop, nil
	case "redis":
		client, err := redisClient(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return redisbroker.New(client, redisbroker.WithLogger(logger)), client.Close, nil
	case "amqp":
		b, err := amqpbroker.Dial(cfg.URL, amqpbroker.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return b, nop, nil
	default:
		return nil, nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

// openStore builds and migrates the store named by cfg.
func openStore(ctx context.Context, cfg fiscal.BackendConfig, logger *slog.Logger) (store.Store, func() error, error) {
	var (
		s      store.Store
		closer = func() error { return nil }
	)
	switch cfg.Kind {
	case "", "memory":
		s = memory.New()
	case "postgres":
		pg, err := postgres.New(ctx, cfg.URL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		s, closer = pg, pg.Close
	case "redis":
		client, err := redisClient(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		s, closer = redisstore.New(client, redisstore.WithLogger(logger)), client.Close
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}

	if err := s.Ping(ctx); err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("ping store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, closer, nil
}

func redisClient(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}
