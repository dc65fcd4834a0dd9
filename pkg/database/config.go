package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrEmptyPath           = errors.New("database path cannot be empty")
	ErrInvalidMaxConns     = errors.New("max connections must be greater than 0")
	ErrInvalidLifetime     = errors.New("connection max lifetime must be greater than 0")
	ErrInvalidIdleTime     = errors.New("connection max idle time must be greater than 0")
	ErrInvalidWriteTimeout = errors.New("write timeout must be greater than 0")
	ErrInvalidRetryDelay   = errors.New("retry delay cannot be negative")
)

// Config holds record store settings
// ARCHITECTURAL DISCOVERY: Migrations are embedded in the binary, so the
// database file path is the only location the store needs
type Config struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

// DefaultConfig returns production-ready database configuration
// FUNCTIONAL DISCOVERY: 10 pooled connections serve the concurrent reads of
// authentication and access checks; writes are serialized anyway
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/collabhub.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    30 * time.Second,
		RetryDelay:      5 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch {
	case c.Path == "":
		return ErrEmptyPath
	case c.MaxConnections <= 0:
		return ErrInvalidMaxConns
	case c.ConnMaxLifetime <= 0:
		return ErrInvalidLifetime
	case c.ConnMaxIdleTime <= 0:
		return ErrInvalidIdleTime
	case c.WriteTimeout <= 0:
		return ErrInvalidWriteTimeout
	case c.RetryDelay < 0:
		return ErrInvalidRetryDelay
	}
	return nil
}

// DSN is the go-sqlite3 connection string. The parameters are applied to
// every pooled connection, unlike a one-off PRAGMA.
func (c *Config) DSN() string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_synchronous=NORMAL", c.Path)
}

// Open opens the database and configures the pool.
func Open(cfg *Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}
	return db, nil
}

// SQLite pragmas
// ARCHITECTURAL DISCOVERY: WAL mode lets access checks read while the single
// writer goroutine persists chat
const sqlitePragmas = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

// ApplyPragmas tunes the connection the pragmas run on.
func ApplyPragmas(db *sql.DB) error {
	_, err := db.Exec(sqlitePragmas)
	return err
}
