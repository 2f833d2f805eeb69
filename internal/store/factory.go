package store

import (
	"fmt"
	"strings"
	"sync"
)

// Builder constructs an Adapter from a Config. New backends register one.
type Builder func(cfg Config) (Adapter, error)

type registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

var global = &registry{builders: make(map[string]Builder)}

func init() {
	RegisterAdapterType("postgres", func(cfg Config) (Adapter, error) { return NewPostgresAdapter(cfg) })
	RegisterAdapterType("postgresql", func(cfg Config) (Adapter, error) { return NewPostgresAdapter(cfg) })
	RegisterAdapterType("sqlite", func(cfg Config) (Adapter, error) { return NewSQLiteAdapter(cfg) })
}

// RegisterAdapterType makes a new backend available to NewFromConfig/NewFromDSN.
func RegisterAdapterType(name string, b Builder) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.builders[name] = b
}

// NewFromConfig builds an Adapter for the named backend type.
func NewFromConfig(typ string, cfg Config) (Adapter, error) {
	global.mu.RLock()
	b, ok := global.builders[strings.ToLower(typ)]
	global.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unsupported adapter type %q", typ)
	}
	return b(cfg)
}

// NewFromDSN selects a backend by inspecting the DSN scheme:
//   - "postgres://" or "postgresql://" → PostgresAdapter
//   - anything else (a bare file path, "sqlite://", "file:") → SQLiteAdapter
func NewFromDSN(dsn string, tableName string) (Adapter, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, fmt.Errorf("store: empty DSN")
	}
	cfg := Config{DSN: d, TableName: tableName}
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return NewFromConfig("postgres", cfg)
	case strings.HasPrefix(ld, "sqlite://"):
		cfg.DSN = strings.TrimPrefix(d, "sqlite://")
		return NewFromConfig("sqlite", cfg)
	default:
		return NewFromConfig("sqlite", cfg)
	}
}
