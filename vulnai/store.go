package vulnai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/patrickmn/go-cache"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Store is the read side of the dataset. It owns the database handle and
// must be closed by whoever opened it.
type Store struct {
	db       *gorm.DB
	pool     *pgxpool.Pool
	counts   *cache.Cache
	rowLimit int
}

type StoreOption func(*Store)

// WithRowLimit caps the LIMIT of every listing query.
func WithRowLimit(limit int) StoreOption {
	return func(s *Store) {
		if limit > 0 {
			s.rowLimit = limit
		}
	}
}

// WithCountCache memoises count queries for ttl. A zero ttl disables it.
func WithCountCache(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.counts = cache.New(ttl, 2*ttl)
		} else {
			s.counts = nil
		}
	}
}

// NewStore wraps an already opened database.
func NewStore(db *gorm.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		rowLimit: DefaultRowLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the database named by config.DBURL. postgres:// and
// postgresql:// URLs go through a pgx pool, everything else is treated as a
// SQLite path or DSN (an optional sqlite:// prefix is stripped).
func Open(config Config) (*Store, error) {
	opts := []StoreOption{
		WithRowLimit(config.RowLimit),
		WithCountCache(config.CountCacheTTL),
	}

	if isPostgresURL(config.DBURL) {
		pool, err := newPgxPool(config.DBURL, config.Pool)
		if err != nil {
			return nil, err
		}
		db, err := gorm.Open(postgres.New(postgres.Config{
			Conn: stdlib.OpenDBFromPool(pool),
		}), gormConfig())
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("could not open postgres database: %w", err)
		}
		s := NewStore(db, opts...)
		s.pool = pool
		return s, nil
	}

	db, err := OpenSQLite(strings.TrimPrefix(config.DBURL, "sqlite://"))
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...), nil
}

// OpenSQLite opens a SQLite database on a single connection, so that
// ":memory:" databases are shared by every query.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite database %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("could not get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger: gormLogger.NewSlogLogger(slog.Default(), gormLogger.Config{
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			LogLevel:                  gormLogger.Warn,
		}),
	}
}

func newPgxPool(url string, cfg PoolConfig) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("could not parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = cfg.MaxConns
	}
	config.MinConns = cfg.MinConns
	if cfg.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		config.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("could not create pgx pool: %w", err)
	}

	slog.Info("Database connection pool configured",
		"maxConns", config.MaxConns,
		"minConns", config.MinConns,
		"connMaxLifetime", config.MaxConnLifetime,
		"connMaxIdleTime", config.MaxConnIdleTime,
	)
	return pool, nil
}

func isPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("could not get database handle: %w", err)
	}
	err = sqlDB.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	if err != nil {
		return fmt.Errorf("could not close database: %w", err)
	}
	return nil
}

// FlushCounts drops every memoised count.
func (s *Store) FlushCounts() {
	if s.counts != nil {
		s.counts.Flush()
	}
}
