package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"goshopify_bulk/config"
	"goshopify_bulk/pkg/clock"
)

const (
	maxRetries     = 10
	dbMaxOpenConns = 20
	retryDelay     = 5 * time.Second
)

type PostgresDatabase struct {
	cfg   config.PostgresConfig
	log   *zap.Logger
	clock clock.Clock
	open  func(driver, dsn string) (*sql.DB, error)

	mu sync.Mutex
	db *sql.DB
}

func NewPgConnector(cfg config.PostgresConfig, log *zap.Logger) *PostgresDatabase {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresDatabase{
		cfg:   cfg,
		log:   log.Named("postgres").With(zap.String("host", cfg.Host), zap.String("db", cfg.DBName)),
		clock: clock.Real(),
		open:  sql.Open,
	}
}

// Connect opens the pool and waits for the server to answer, retrying
// while the database is still starting. Later calls return the same pool.
func (pg *PostgresDatabase) Connect(ctx context.Context) (*sql.DB, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.db != nil {
		return pg.db, nil
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			if err := pg.clock.Sleep(ctx, retryDelay); err != nil {
				return nil, fmt.Errorf("postgres connect interrupted: %w", errors.Join(err, lastErr))
			}
		}

		db, err := pg.open("postgres", pg.cfg.GetConnectionString())
		if err != nil {
			lastErr = err
			pg.log.Warn("failed to open postgres", zap.Int("attempt", i+1), zap.Int("max", maxRetries), zap.Error(err))
			continue
		}
		db.SetMaxOpenConns(dbMaxOpenConns)

		if err := db.PingContext(ctx); err != nil {
			lastErr = err
			pg.log.Warn("failed to ping postgres", zap.Int("attempt", i+1), zap.Int("max", maxRetries), zap.Error(err))
			db.Close()
			continue
		}

		pg.log.Info("connected to postgres")
		pg.db = db
		return db, nil
	}
	return nil, fmt.Errorf("postgres unavailable after %d attempts: %w", maxRetries, lastErr)
}

func (pg *PostgresDatabase) Ping(ctx context.Context) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.db == nil {
		return fmt.Errorf("database connection is not established")
	}

	if err := pg.db.PingContext(ctx); err != nil {
		pg.db.Close()
		pg.db = nil
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

func (pg *PostgresDatabase) Close() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.db == nil {
		return nil
	}
	err := pg.db.Close()
	pg.db = nil
	return err
}
