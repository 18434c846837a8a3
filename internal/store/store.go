package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tablelink-project/tablelink/internal/util"
)

// ErrNoUser is returned when binding an empty user id.
var ErrNoUser = errors.New("user id is required")

// Persister writes sessions to durable storage.
type Persister interface {
	// Load returns the stored session, or nil if none was saved.
	Load() (*Session, error)
	Save(s Session) error
	Close() error
}

// Store serializes all mutations of a single Session.
type Store struct {
	mu        sync.Mutex
	session   Session
	persister Persister
	newID     func() string
	logger    zerolog.Logger
}

// New creates a memory-only store with a fresh session.
func New() *Store {
	s, _ := Open(nil)
	return s
}

// Open creates a store backed by p, restoring the persisted session if one
// exists. A nil p keeps the session in memory only.
func Open(p Persister) (*Store, error) {
	s := &Store{
		persister: p,
		newID:     uuid.NewString,
		logger:    util.ComponentLogger("store"),
	}

	if p != nil {
		restored, err := p.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if restored != nil && restored.SessionID != "" {
			s.session = restored.Clone()
			s.logger.Info().
				Str("session_id", s.session.SessionID).
				Str("table_id", s.session.LastActiveTableID).
				Msg("session restored")
			return s, nil
		}
	}

	s.session = Session{SessionID: s.newID()}
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the current session.
func (s *Store) Get() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Update merges p into the session and persists the result. The in-memory
// session is updated even if persisting fails.
func (s *Store) Update(p Patch) (Session, error) {
	return s.Modify(p.apply)
}

// Modify runs fn against the session under the store lock and persists the
// result. Use it for read-modify-write updates such as counters.
func (s *Store) Modify(fn func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, user := s.session.SessionID, s.session.UserID
	fn(&s.session)
	// Identity is not mutable through Modify.
	s.session.SessionID, s.session.UserID = id, user

	return s.session.Clone(), s.persist()
}

// Bind attaches userID to the session. Binding a different user than the one
// already bound starts a new session.
func (s *Store) Bind(userID string) (Session, error) {
	if userID == "" {
		return s.Get(), ErrNoUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.session.UserID {
	case userID:
		return s.session.Clone(), nil
	case "":
	default:
		s.logger.Info().
			Str("previous_user", s.session.UserID).
			Str("user_id", userID).
			Msg("user changed, starting new session")
		s.session = Session{SessionID: s.newID()}
	}

	s.session.UserID = userID
	return s.session.Clone(), s.persist()
}

// Reset discards the session and replaces it with a fresh one under a new id.
func (s *Store) Reset() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.session.SessionID
	s.session = Session{SessionID: s.newID()}
	s.logger.Info().Str("old_session_id", old).Str("session_id", s.session.SessionID).Msg("session reset")
	return s.session.Clone(), s.persist()
}

// Close closes the persister.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// persist must be called with mu held.
func (s *Store) persist() error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(s.session.Clone()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist session")
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}
