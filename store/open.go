package store

import (
	"context"
	"fmt"

	"sharedcatalog/catalog"
	"sharedcatalog/config"
	"sharedcatalog/logger"
)

// Backend is a catalog store that also owns a connection.
type Backend interface {
	catalog.Store
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type memoryBackend struct{ *catalog.MemoryStore }

func (memoryBackend) Ping(context.Context) error     { return nil }
func (memoryBackend) Shutdown(context.Context) error { return nil }

type sqlBackend struct{ *SQLStore }

func (b sqlBackend) Shutdown(context.Context) error { return b.Close() }

type mongoBackend struct{ *MongoStore }

func (b mongoBackend) Shutdown(ctx context.Context) error { return b.Close(ctx) }

// Open builds the backend selected by config.StoreDriver.
func Open(ctx context.Context) (Backend, error) {
	logger.Info("opening store", logger.FieldKV("driver", config.StoreDriver))
	switch config.StoreDriver {
	case "", "memory":
		return memoryBackend{catalog.NewMemoryStore()}, nil
	case "sqlite":
		s, err := OpenSQLite(config.SQLitePath)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, s)
	case "postgres":
		s, err := OpenPostgres(config.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, s)
	case "mongo":
		s, err := NewMongo(ctx, config.MongoURI, config.MongoDB)
		if err != nil {
			return nil, err
		}
		return mongoBackend{s}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", config.StoreDriver)
}

func migrated(ctx context.Context, s *SQLStore) (Backend, error) {
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
	}
	return sqlBackend{s}, nil
}
