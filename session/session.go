// Package session holds the client-side state that outlives a single command:
// the authentication token and a rolling log buffer. A Session is passed
// explicitly to the client and the realtime channel; nothing reads ambient
// global storage.
package session

import (
	"fmt"
	"sync"
)

// Store persists session state.
type Store interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	LoadLogs() ([]LogEntry, error)
	SaveLogs(entries []LogEntry) error
}

// Session is the injected credential and log holder.
type Session struct {
	mu    sync.RWMutex
	token string
	logs  *LogBuffer
	store Store
}

// New loads a session from store. A nil store keeps everything in memory.
func New(store Store) (*Session, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Session{logs: NewLogBuffer(MaxLogEntries), store: store}

	token, err := store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	s.token = token

	entries, err := store.LoadLogs()
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	s.logs.Append(entries...)
	return s, nil
}

// WithToken returns an in-memory session holding token.
func WithToken(token string) *Session {
	return &Session{token: token, logs: NewLogBuffer(MaxLogEntries), store: NewMemoryStore()}
}

// Token returns the current bearer token, or "" when logged out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces and persists the bearer token.
func (s *Session) SetToken(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if err := s.store.SaveToken(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Logout clears the token.
func (s *Session) Logout() error { return s.SetToken("") }

// Logs returns the rolling log buffer.
func (s *Session) Logs() *LogBuffer { return s.logs }

// Flush persists the log buffer.
func (s *Session) Flush() error {
	if err := s.store.SaveLogs(s.logs.Entries()); err != nil {
		return fmt.Errorf("save logs: %w", err)
	}
	return nil
}

// MemoryStore is a Store that keeps state for the life of the process.
type MemoryStore struct {
	mu    sync.Mutex
	token string
	logs  []LogEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) LoadToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryStore) SaveToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryStore) LoadLogs() ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs...), nil
}

func (m *MemoryStore) SaveLogs(entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	m.logs = append([]LogEntry(nil), entries...)
	return nil
}
