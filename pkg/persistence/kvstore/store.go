package kvstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Store is a small byte-oriented key-value store used for client-local state that must
// survive restarts (the analogue of browser local storage).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Settings selects and configures a backend.
type Settings struct {
	Backend     Backend `yaml:"backend" env:"BACKEND"`
	SQLitePath  string  `yaml:"sqlite-path" env:"SQLITE_PATH"`
	RedisAddr   string  `yaml:"redis-addr" env:"REDIS_ADDR"`
	RedisPrefix string  `yaml:"redis-prefix" env:"REDIS_PREFIX"`
}

// Open builds the backend selected by s.
func Open(ctx context.Context, s Settings) (Store, error) {
	switch Backend(strings.ToLower(string(s.Backend))) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendSQLite:
		dsn, err := SQLiteDSNForFile(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLite(dsn)
	case BackendRedis:
		return NewRedis(ctx, s.RedisAddr, s.RedisPrefix)
	default:
		return nil, errors.Errorf("kvstore: unknown backend %q", s.Backend)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvstore: empty key")
	}
	return nil
}
