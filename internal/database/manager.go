// Package database is the sqlite record store: identities, project and sheet
// membership, and project chat.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	dbconfig "collabhub/pkg/database"
	"collabhub/pkg/interfaces"
	"collabhub/pkg/types"
)

var _ interfaces.RecordStore = (*Manager)(nil)

// Manager implements interfaces.RecordStore on sqlite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       *zap.Logger
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations, verifies
// the schema and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("database")

	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	applied, err := dbconfig.NewMigrationManager(db, dbconfig.EmbeddedMigrations()).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       logger,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	logger.Info("record store ready", zap.String("path", config.Path))
	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: Retry exactly once, and only when another
			// process holds the lock; constraint failures never succeed on retry
			if isBusy(err) {
				m.logger.Warn("database busy, retrying write", zap.Duration("delay", m.config.RetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
			}
			if err != nil {
				m.logger.Error("database write failed", zap.Error(err))
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// GetIdentity loads an identity by id.
func (m *Manager) GetIdentity(ctx context.Context, identityID string) (*types.Identity, error) {
	var identity types.Identity
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, role, active FROM users WHERE id = ?`, identityID,
	).Scan(&identity.ID, &identity.Name, &identity.Role, &identity.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	return &identity, nil
}

// SaveChatMessage persists a chat message and returns its id. Empty ids and
// zero timestamps are filled in.
func (m *Manager) SaveChatMessage(ctx context.Context, message *types.ChatMessage) (string, error) {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO chat_messages (id, project_id, user_id, user_name, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, message.ID, message.ProjectID, message.UserID, message.UserName, message.Message, message.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return message.ID, nil
}

// RecentChatMessages returns the last limit messages of a project, oldest first.
func (m *Manager) RecentChatMessages(ctx context.Context, projectID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		return []*types.ChatMessage{}, nil
	}
	// FUNCTIONAL DISCOVERY: Newest-first with a limit, then reversed, so the
	// client can append history in display order
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, user_name, message, created_at
		FROM chat_messages
		WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.ChatMessage, 0, limit)
	for rows.Next() {
		var msg types.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.UserID, &msg.UserName, &msg.Message, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chat messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// DB returns the underlying connection pool.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close stops the writer, checkpoints the WAL and closes the pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	var err error
	if _, cpErr := m.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cpErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to checkpoint WAL: %w", cpErr))
	}
	if closeErr := m.db.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close database: %w", closeErr))
	}
	return err
}
