package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/shared"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const (
	writeRetries    = 5
	writeRetryDelay = 20 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens the database at dbPath and applies pending migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while the executor writes.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Migrate applies all pending up migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	// The database driver is not closed here: its Close would close db.
	defer src.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		slog.Debug("Database schema ready", "version", version, "dirty", dirty)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const actionColumns = `action_id, session_id, kind, payload, summary, status, result, created_at, updated_at, decided_at`

// CreateAction stores a new action in Proposed state.
func (s *SQLiteStore) CreateAction(ctx context.Context, sessionID string, proposal domain.ActionProposal) (*domain.AgentAction, error) {
	now := s.now()
	action := &domain.AgentAction{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      proposal.Kind,
		Payload:   proposal.Payload,
		Summary:   proposal.Summary,
		Status:    domain.StatusProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if action.Payload == nil {
		action.Payload = json.RawMessage(`{}`)
	}

	query := `INSERT INTO agent_actions (` + actionColumns + `) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`
	err := shared.RetryOnConflict(ctx, "create action", writeRetries, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			action.ID, action.SessionID, string(action.Kind), string(action.Payload),
			action.Summary, string(action.Status), now.UnixMilli(), now.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	return action, nil
}

// GetAction retrieves an action by id.
func (s *SQLiteStore) GetAction(ctx context.Context, actionID string) (*domain.AgentAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE action_id = ?`, actionID)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("action %s: %w", actionID, shared.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	return action, nil
}

// TransitionIf performs a conditional UPDATE keyed on the expected status.
func (s *SQLiteStore) TransitionIf(ctx context.Context, actionID string, expected, next domain.ActionStatus, result json.RawMessage) (*domain.AgentAction, error) {
	if !domain.CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s is not a valid transition", shared.ErrInvalidState, expected, next)
	}

	now := s.now().UnixMilli()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), now}
	if expected == domain.StatusProposed {
		sets = append(sets, "decided_at = ?")
		args = append(args, now)
	}
	if next.Terminal() && result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(result))
	}
	args = append(args, actionID, string(expected))

	query := `UPDATE agent_actions SET ` + strings.Join(sets, ", ") +
		` WHERE action_id = ? AND status = ? RETURNING ` + actionColumns

	var updated *domain.AgentAction
	err := shared.RetryOnConflict(ctx, "transition action", writeRetries, writeRetryDelay, func() error {
		var scanErr error
		updated, scanErr = scanAction(s.db.QueryRowContext(ctx, query, args...))
		return scanErr
	})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition action: %w", err)
	}

	// No row matched: distinguish an unknown id from a lost race.
	current, getErr := s.GetAction(ctx, actionID)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: action %s is %s, expected %s", shared.ErrInvalidState, actionID, current.Status, expected)
}

// ListActions returns a session's actions, oldest first.
func (s *SQLiteStore) ListActions(ctx context.Context, sessionID string) ([]*domain.AgentAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM agent_actions WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return collectActions(rows)
}

// ListStaleActions returns actions in status last updated before the cutoff.
func (s *SQLiteStore) ListStaleActions(ctx context.Context, status domain.ActionStatus, before time.Time) ([]*domain.AgentAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM agent_actions WHERE status = ? AND updated_at < ? ORDER BY created_at, rowid`,
		string(status), before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list stale actions: %w", err)
	}
	return collectActions(rows)
}

// GetSession returns nil, nil when the session does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, thread_id, created_at, updated_at FROM chat_sessions WHERE session_id = ?`, sessionID)

	var session domain.ChatSession
	var createdAt, updatedAt int64
	err := row.Scan(&session.ID, &session.ThreadID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	session.State = domain.SessionIdle
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

// UpsertSession creates or touches a session record. The thread id is never replaced.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (session_id, thread_id, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		updated_at = excluded.updated_at`

	err := shared.RetryOnConflict(ctx, "upsert session", writeRetries, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.ThreadID, session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// AppendMessage adds a message to the session history.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	err := shared.RetryOnConflict(ctx, "append message", writeRetries, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, partial, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, msg.Role, msg.Content, boolToInt(msg.Partial), createdAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the last limit messages, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, partial, created_at FROM (
			SELECT id, role, content, partial, created_at FROM messages
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var partial int
		var createdAt int64
		if err := rows.Scan(&msg.Role, &msg.Content, &partial, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Partial = partial != 0
		msg.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*domain.AgentAction, error) {
	var action domain.AgentAction
	var kind, payload, status string
	var result sql.NullString
	var createdAt, updatedAt int64
	var decidedAt sql.NullInt64

	err := row.Scan(
		&action.ID, &action.SessionID, &kind, &payload, &action.Summary,
		&status, &result, &createdAt, &updatedAt, &decidedAt,
	)
	if err != nil {
		return nil, err
	}

	action.Kind = domain.ActionKind(kind)
	action.Payload = json.RawMessage(payload)
	action.Status = domain.ActionStatus(status)
	if result.Valid {
		action.Result = json.RawMessage(result.String)
	}
	action.CreatedAt = time.UnixMilli(createdAt)
	action.UpdatedAt = time.UnixMilli(updatedAt)
	if decidedAt.Valid {
		t := time.UnixMilli(decidedAt.Int64)
		action.DecidedAt = &t
	}
	return &action, nil
}

func collectActions(rows *sql.Rows) ([]*domain.AgentAction, error) {
	defer rows.Close()
	var out []*domain.AgentAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
