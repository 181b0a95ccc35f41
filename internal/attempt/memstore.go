package attempt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/veltis/authflow/model"
)

// MemoryStore is an in-memory Store. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string]model.Attempt       // key: attempt ID
	events   map[string][]model.AttemptEvent // key: attempt ID
}

// NewMemoryStore creates a new in-memory attempt store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]model.Attempt),
		events:   make(map[string][]model.AttemptEvent),
	}
}

// Create persists a new attempt, enforcing the at-most-one-live-attempt
// constraint per (deployment, flow type, identifier).
func (s *MemoryStore) Create(_ context.Context, a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, existing := range s.attempts {
		if existing.DeploymentID == a.DeploymentID &&
			existing.FlowType == a.FlowType &&
			existing.Identifier == a.Identifier &&
			existing.Status == model.AttemptStatusPending &&
			!existing.ExpiredAt(now) {
			return model.NewIdentityConflictError(
				fmt.Sprintf("a pending %s attempt already exists for this identifier", a.FlowType),
			)
		}
	}

	s.attempts[a.ID] = a.Clone()
	return nil
}

// Get retrieves an attempt by ID, scoped to deployment.
func (s *MemoryStore) Get(_ context.Context, deploymentID, attemptID string) (model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.attempts[attemptID]
	if !exists || a.DeploymentID != deploymentID {
		return model.Attempt{}, model.NewNotFoundError(
			fmt.Sprintf("attempt %q not found", attemptID),
		)
	}
	return a.Clone(), nil
}

// Update persists an updated attempt with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.attempts[a.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("attempt %q not found", a.ID),
		)
	}

	if existing.Version != a.Version {
		return model.NewVersionConflictError(
			fmt.Sprintf("attempt %q version conflict (expected %d, got %d)", a.ID, a.Version, existing.Version),
		)
	}

	updated := a.Clone()
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	s.attempts[a.ID] = updated
	return nil
}

// AppendEvent adds an event to the attempt's audit trail.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.AttemptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.AttemptID] = append(s.events[event.AttemptID], event)
	return nil
}

// GetEvents retrieves all events for an attempt, ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, deploymentID, attemptID string) ([]model.AttemptEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.attempts[attemptID]
	if !exists || a.DeploymentID != deploymentID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("attempt %q not found", attemptID),
		)
	}

	events := s.events[attemptID]
	result := make([]model.AttemptEvent, len(events))
	copy(result, events)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindExpired returns pending attempts past their expiry.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Attempt
	for _, a := range s.attempts {
		if a.Status == model.AttemptStatusPending && !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(cutoff) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }
