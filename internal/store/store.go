// Package store is the persistence layer shared by all services: gorm models
// for every table plus the repository methods the services use. The database
// is the single source of truth for order and position state; writers use
// ON CONFLICT upserts so redelivered messages stay idempotent.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	db *gorm.DB
}

// Open connects to the database identified by dsn. A postgres:// URL selects
// PostgreSQL; anything else is treated as a SQLite path (":memory:" works for
// tests and paper runs without a database server). Connection is retried
// because the DB may still be coming up when a service starts.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
		log.Warn().Msg("DATABASE_URL not set, using in-memory SQLite")
	}

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var db *gorm.DB
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			db, err = gorm.Open(postgres.Open(dsn), gcfg)
		} else {
			db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		}
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Database not ready, retrying")
		time.Sleep(time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// an in-memory sqlite DB exists per connection; keep the pool at one
	if strings.Contains(dsn, ":memory:") {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Msg("Database connected")
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&Bar{},
		&BarCloseEmit{},
		&Signal{},
		&TradePlan{},
		&Order{},
		&Fill{},
		&Position{},
		&RiskState{},
		&Cooldown{},
		&RuntimeFlag{},
		&Notification{},
		&ExecutionTrace{},
		&RiskEventRecord{},
		&WalletSnapshot{},
		&AccountSnapshot{},
		&BacktestTrade{},
		&WSEvent{},
	)
}

// DB exposes the underlying gorm handle for the read-only API queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
