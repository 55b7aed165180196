package kvstore

import (
	"context"
	"fmt"
)

// Options selects and configures a backend for Open.
type Options struct {
	Driver      string // memory, redis or postgres
	RedisURL    string
	DatabaseURL string
	KeyPrefix   string
}

// Open creates the configured backend. The returned close function releases
// its connections and is never nil.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }

	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(), noop, nil
	case "redis":
		client, err := ConnectRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return NewRedisStore(client, opts.KeyPrefix), client.Close, nil
	case "postgres":
		db, err := ConnectPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		store := NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return store, db.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
