package sessionclient

import (
	"encoding/json"
	"sync"

	"session-service/internal/models"
)

// CredentialStore is the client's local, ephemeral credential storage
type CredentialStore interface {
	SetTokens(access, refresh string)
	AccessToken() string
	RefreshToken() string
	SetSession(sess *models.Session)
	Session() *models.Session
	Clear()
}

// MemoryStorage keeps credentials for the life of the process
type MemoryStorage struct {
	mu      sync.RWMutex
	access  string
	refresh string
	session []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) SetTokens(access, refresh string) {
	s.mu.Lock()
	s.access, s.refresh = access, refresh
	s.mu.Unlock()
}

func (s *MemoryStorage) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *MemoryStorage) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

// SetSession stores a copy of the latest snapshot
func (s *MemoryStorage) SetSession(sess *models.Session) {
	var raw []byte
	if sess != nil {
		raw, _ = json.Marshal(sess)
	}
	s.mu.Lock()
	s.session = raw
	s.mu.Unlock()
}

func (s *MemoryStorage) Session() *models.Session {
	s.mu.RLock()
	raw := s.session
	s.mu.RUnlock()
	if raw == nil {
		return nil
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil
	}
	return &sess
}

func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	s.access, s.refresh, s.session = "", "", nil
	s.mu.Unlock()
}

// Empty reports whether nothing is stored
func (s *MemoryStorage) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access == "" && s.refresh == "" && s.session == nil
}
