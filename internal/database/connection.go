package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/state"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Database manages the connection the migration engine runs against
type Database struct {
	db     *gorm.DB
	config config.Database
	logger zerolog.Logger
	mu     sync.RWMutex

	// retry settings for the initial connection
	maxRetries int
	retryDelay time.Duration
}

// NewDatabase creates a new Database instance
func NewDatabase(cfg config.Database, logger zerolog.Logger) *Database {
	return &Database{
		config:     cfg,
		logger:     logger.With().Str("component", "database").Logger(),
		maxRetries: 5,
		retryDelay: 2 * time.Second,
	}
}

// Dialect returns the configured backend
func (d *Database) Dialect() state.Dialect {
	return state.Dialect(d.config.Dialect)
}

// dialector picks the gorm driver for the configured backend
func (d *Database) dialector() (gorm.Dialector, error) {
	cfg := config.Config{Database: d.config}
	switch d.Dialect() {
	case state.DialectPostgres:
		return postgres.Open(cfg.DSN()), nil
	case state.DialectMySQL:
		return mysql.Open(cfg.DSN()), nil
	case state.DialectSQLite:
		return sqlite.Open(cfg.DSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %q", d.config.Dialect)
	}
}

// Connect opens the database with retry and exponential backoff
func (d *Database) Connect(ctx context.Context) error {
	if _, err := d.dialector(); err != nil {
		return err
	}
	return d.open(ctx, d.dialector)
}

// open dials through a fresh dialector per attempt; gorm closes the pool of
// a dialector whose initialization failed
func (d *Database) open(ctx context.Context, dial func() (gorm.Dialector, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	gormConfig := &gorm.Config{
		Logger: NewGormLogger(d.logger, ParseLogLevel(d.config.LogLevel)),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	delay := d.retryDelay
	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		var dialector gorm.Dialector
		if dialector, err = dial(); err != nil {
			return err
		}
		db, err = gorm.Open(dialector, gormConfig)
		if err == nil {
			break
		}
		d.logger.Warn().Err(err).Int("attempt", attempt).Msg("Database connection failed")
		if attempt == d.maxRetries || !isRetryableError(err) {
			return fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if d.Dialect() == state.DialectSQLite {
		// one writer, and a :memory: database lives only as long as its
		// single connection
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(d.config.MaxConnections)
		sqlDB.SetMaxIdleConns(d.config.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(d.config.ConnMaxLifetime)
		sqlDB.SetConnMaxIdleTime(d.config.ConnMaxIdleTime)
	}

	d.db = db
	d.logger.Info().Str("dialect", d.config.Dialect).Msg("Connected to database")
	return nil
}

// Health checks the database connection health
func (d *Database) Health(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return fmt.Errorf("database not connected")
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	d.db = nil
	return nil
}

// DB returns the underlying gorm.DB instance
func (d *Database) DB() *gorm.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// SetDB sets the underlying gorm.DB instance (for testing)
func (d *Database) SetDB(db *gorm.DB) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db = db
}

// isRetryableError reports whether a connection failure is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, retryable := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"too many connections",
		"timeout",
		"the database system is starting up",
	} {
		if strings.Contains(msg, retryable) {
			return true
		}
	}
	return false
}
