package storage

import "time"

// Option configures either storage backend.
type Option interface {
	applyMemory(*MemoryStore)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	memory func(*MemoryStore)
	pg     func(*PostgresConfig)
}

func (o optionAdapter) applyMemory(store *MemoryStore) {
	if o.memory != nil && store != nil {
		o.memory(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(memory func(*MemoryStore), pg func(*PostgresConfig)) Option {
	return optionAdapter{memory: memory, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithClock overrides the timestamp source used for created/updated times.
func WithClock(clock func() time.Time) Option {
	return composeOption(
		func(s *MemoryStore) {
			if clock != nil {
				s.now = clock
			}
		},
		func(cfg *PostgresConfig) {
			if clock != nil {
				cfg.Clock = clock
			}
		},
	)
}

// WithPostgresPool sizes the connection pool.
func WithPostgresPool(maxConns, minConns int32, maxLifetime, maxIdle time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.MaxConnections = maxConns
		cfg.MinConnections = minConns
		cfg.MaxConnLifetime = maxLifetime
		cfg.MaxConnIdleTime = maxIdle
	})
}

// WithPostgresHealthCheck sets the pool health check period and connect timeout.
func WithPostgresHealthCheck(interval, acquireTimeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.HealthCheckInterval = interval
		cfg.AcquireTimeout = acquireTimeout
	})
}

// WithPostgresApplicationName tags server-side sessions with name.
func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		cfg.ApplicationName = name
	})
}
