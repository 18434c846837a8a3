package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablelink-project/tablelink/internal/store"
)

// SessionDatabase persists the client session in a single-row table.
// It implements store.Persister.
type SessionDatabase struct {
	db *Database
}

// NewSessionDatabase opens the database at dbPath and migrates its schema.
func NewSessionDatabase(dbPath string) (*SessionDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	sdb := &SessionDatabase{db: database}
	if err := sdb.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}

	return sdb, nil
}

func (sdb *SessionDatabase) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session (
			slot INTEGER PRIMARY KEY CHECK (slot = 1),
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			last_active_table_id TEXT NOT NULL DEFAULT '',
			last_active_page TEXT NOT NULL DEFAULT '',
			last_position INTEGER,
			reconnect_attempts INTEGER NOT NULL DEFAULT 0,
			last_connection_time INTEGER NOT NULL DEFAULT 0,
			last_disconnect_time INTEGER NOT NULL DEFAULT 0,
			is_reconnecting INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS session_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			retired_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := sdb.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("session schema migrated")
	return nil
}

// Load returns the stored session, or nil if none exists.
func (sdb *SessionDatabase) Load() (*store.Session, error) {
	var (
		s              store.Session
		position       sql.NullInt64
		connectedMs    int64
		disconnectedMs int64
		reconnecting   int
	)

	err := sdb.db.QueryRow(`
		SELECT session_id, user_id, last_active_table_id, last_active_page, last_position,
		       reconnect_attempts, last_connection_time, last_disconnect_time, is_reconnecting
		FROM session WHERE slot = 1`).Scan(
		&s.SessionID, &s.UserID, &s.LastActiveTableID, &s.LastActivePage, &position,
		&s.ReconnectAttempts, &connectedMs, &disconnectedMs, &reconnecting,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if position.Valid {
		pos := int(position.Int64)
		s.LastPosition = &pos
	}
	s.LastConnectionTime = fromMillis(connectedMs)
	s.LastDisconnectTime = fromMillis(disconnectedMs)
	s.IsReconnecting = reconnecting != 0

	return &s, nil
}

// Save upserts the session. When the session id changes, the previous id is
// recorded in session_history.
func (sdb *SessionDatabase) Save(s store.Session) error {
	var position sql.NullInt64
	if s.LastPosition != nil {
		position = sql.NullInt64{Int64: int64(*s.LastPosition), Valid: true}
	}
	reconnecting := 0
	if s.IsReconnecting {
		reconnecting = 1
	}

	return sdb.db.Transaction(func(tx *sql.Tx) error {
		var prevID, prevUser string
		err := tx.QueryRow("SELECT session_id, user_id FROM session WHERE slot = 1").Scan(&prevID, &prevUser)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read current session: %w", err)
		case prevID != s.SessionID:
			if _, err := tx.Exec(
				"INSERT INTO session_history (session_id, user_id) VALUES (?, ?)", prevID, prevUser); err != nil {
				return fmt.Errorf("failed to archive session: %w", err)
			}
		}

		_, err = tx.Exec(`
			INSERT INTO session (slot, session_id, user_id, last_active_table_id, last_active_page,
			                     last_position, reconnect_attempts, last_connection_time,
			                     last_disconnect_time, is_reconnecting, updated_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(slot) DO UPDATE SET
				session_id = excluded.session_id,
				user_id = excluded.user_id,
				last_active_table_id = excluded.last_active_table_id,
				last_active_page = excluded.last_active_page,
				last_position = excluded.last_position,
				reconnect_attempts = excluded.reconnect_attempts,
				last_connection_time = excluded.last_connection_time,
				last_disconnect_time = excluded.last_disconnect_time,
				is_reconnecting = excluded.is_reconnecting,
				updated_at = CURRENT_TIMESTAMP`,
			s.SessionID, s.UserID, s.LastActiveTableID, s.LastActivePage, position,
			s.ReconnectAttempts, toMillis(s.LastConnectionTime), toMillis(s.LastDisconnectTime), reconnecting,
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// HistoryCount returns how many sessions have been retired by logout or user change.
func (sdb *SessionDatabase) HistoryCount() (int, error) {
	var n int
	if err := sdb.db.QueryRow("SELECT COUNT(*) FROM session_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count session history: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (sdb *SessionDatabase) Close() error {
	return sdb.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ store.Persister = (*SessionDatabase)(nil)
