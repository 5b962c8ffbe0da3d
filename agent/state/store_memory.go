package state

import (
	"context"
	"sync"
)

// MemoryStore keeps encoded sessions in process. Encoding on save means a
// caller can never mutate a stored state through a pointer it still holds.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte, 64)}
}

func (s *MemoryStore) Load(ctx context.Context, conversationID string) (*SessionState, error) {
	key, err := sessionKey("", conversationID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStateNotFound
	}
	return decodeState(raw)
}

func (s *MemoryStore) Save(ctx context.Context, st *SessionState) error {
	payload, expected, err := prepareSave(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int64
	if raw, ok := s.sessions[st.ConversationID]; ok {
		if stored, err = storedVersion(raw); err != nil {
			rollbackVersion(st, expected)
			return err
		}
	}
	if stored != expected {
		rollbackVersion(st, expected)
		return staleErr(st.ConversationID, stored, expected)
	}
	s.sessions[st.ConversationID] = payload
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, conversationID string) error {
	key, err := sessionKey("", conversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
