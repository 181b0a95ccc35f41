package session

import (
	"context"
	"sync"

	"github.com/veltis/authflow/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	signIns  map[string]model.SignIn
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.Session),
		signIns:  make(map[string]model.SignIn),
	}
}

// CreateSession inserts a new session.
func (s *MemoryStore) CreateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession returns the session, or a NOT_FOUND envelope.
func (s *MemoryStore) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return model.Session{}, model.NewNotFoundError("session " + id + " not found")
	}
	return sess, nil
}

// UpdateSession replaces the stored session.
func (s *MemoryStore) UpdateSession(_ context.Context, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; !exists {
		return model.NewNotFoundError("session " + sess.ID + " not found")
	}
	s.sessions[sess.ID] = sess
	return nil
}

// FindSessionByUser returns the newest session for a user, if any.
func (s *MemoryStore) FindSessionByUser(_ context.Context, deploymentID, userID string) (model.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest model.Session
	var found bool
	for _, sess := range s.sessions {
		if sess.DeploymentID != deploymentID || sess.UserID != userID {
			continue
		}
		if !found || sess.CreatedAt.After(newest.CreatedAt) {
			newest = sess
			found = true
		}
	}
	return newest, found, nil
}

// CreateSignIn inserts a new sign-in.
func (s *MemoryStore) CreateSignIn(_ context.Context, si model.SignIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signIns[si.ID] = si
	return nil
}

// GetSignIn returns the sign-in, or a NOT_FOUND envelope.
func (s *MemoryStore) GetSignIn(_ context.Context, id string) (model.SignIn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	si, exists := s.signIns[id]
	if !exists {
		return model.SignIn{}, model.NewNotFoundError("sign-in " + id + " not found")
	}
	return si, nil
}

// UpdateSignIn replaces the stored sign-in.
func (s *MemoryStore) UpdateSignIn(_ context.Context, si model.SignIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.signIns[si.ID]; !exists {
		return model.NewNotFoundError("sign-in " + si.ID + " not found")
	}
	s.signIns[si.ID] = si
	return nil
}

// ListActiveSignIns returns the unexpired sign-ins for a user.
func (s *MemoryStore) ListActiveSignIns(_ context.Context, deploymentID, userID string) ([]model.SignIn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []model.SignIn
	for _, si := range s.signIns {
		if si.DeploymentID == deploymentID && si.UserID == userID && !si.Expired {
			active = append(active, si)
		}
	}
	return active, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }
