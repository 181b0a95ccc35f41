package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Challenge is the stored secret for one pending verification: an OTP code
// or link token, kept only as a hash. WrongAttempts counts failed
// comparisons so a challenge can be burned after too many guesses.
type Challenge struct {
	SecretHash    string    `json:"secret_hash"`
	WrongAttempts int       `json:"wrong_attempts"`
	IssuedAt      time.Time `json:"issued_at"`
}

// ChallengeStore persists challenges with a TTL. The key format is
// "chal:{attemptID}:{step}".
type ChallengeStore interface {
	// Put stores a challenge, replacing any previous one under the key.
	Put(ctx context.Context, key string, ch Challenge, ttl time.Duration) error

	// Get returns the challenge under the key, if one exists and has not
	// expired.
	Get(ctx context.Context, key string) (Challenge, bool, error)

	// BumpWrongAttempts increments the failed-guess counter and returns
	// the new count.
	BumpWrongAttempts(ctx context.Context, key string) (int, error)

	// Delete removes the challenge. Removing an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// ChallengeKey builds the store key for an attempt's step challenge.
func ChallengeKey(attemptID string, step string) string {
	return fmt.Sprintf("chal:%s:%s", attemptID, step)
}

// --- MemoryChallengeStore ---

// MemoryChallengeStore is an in-memory ChallengeStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	entries map[string]*memChallenge
}

type memChallenge struct {
	ch        Challenge
	expiresAt time.Time
}

// NewMemoryChallengeStore creates a new in-memory challenge store.
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{entries: make(map[string]*memChallenge)}
}

// Put stores a challenge with TTL.
func (s *MemoryChallengeStore) Put(_ context.Context, key string, ch Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memChallenge{ch: ch, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get returns the challenge if present and unexpired.
func (s *MemoryChallengeStore) Get(_ context.Context, key string) (Challenge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return Challenge{}, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return Challenge{}, false, nil
	}
	return entry.ch, true, nil
}

// BumpWrongAttempts increments the failed-guess counter.
func (s *MemoryChallengeStore) BumpWrongAttempts(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return 0, nil
	}
	entry.ch.WrongAttempts++
	return entry.ch.WrongAttempts, nil
}

// Delete removes the challenge.
func (s *MemoryChallengeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Ping always succeeds.
func (s *MemoryChallengeStore) Ping(_ context.Context) error { return nil }

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisChallengeStore ---

// RedisChallengeStore is a Redis-backed ChallengeStore with TTL. Redis owns
// expiry, so challenges disappear without any sweep.
type RedisChallengeStore struct {
	client redis.Cmdable
}

// NewRedisChallengeStore creates a new Redis-backed challenge store.
func NewRedisChallengeStore(client redis.Cmdable) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

// Put stores a challenge with TTL.
func (s *RedisChallengeStore) Put(ctx context.Context, key string, ch Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("challenge: marshal: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("challenge: set %q: %w", key, err)
	}
	return nil
}

// Get returns the challenge if present.
func (s *RedisChallengeStore) Get(ctx context.Context, key string) (Challenge, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Challenge{}, false, nil
	}
	if err != nil {
		return Challenge{}, false, fmt.Errorf("challenge: get %q: %w", key, err)
	}

	var ch Challenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return Challenge{}, false, fmt.Errorf("challenge: unmarshal %q: %w", key, err)
	}
	return ch, true, nil
}

// BumpWrongAttempts increments the failed-guess counter, preserving the
// remaining TTL.
func (s *RedisChallengeStore) BumpWrongAttempts(ctx context.Context, key string) (int, error) {
	ch, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}

	ch.WrongAttempts++

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return ch.WrongAttempts, err
	}

	raw, err := json.Marshal(ch)
	if err != nil {
		return ch.WrongAttempts, fmt.Errorf("challenge: marshal: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return ch.WrongAttempts, fmt.Errorf("challenge: set %q: %w", key, err)
	}
	return ch.WrongAttempts, nil
}

// Delete removes the challenge.
func (s *RedisChallengeStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("challenge: del %q: %w", key, err)
	}
	return nil
}

// Ping verifies Redis is reachable.
func (s *RedisChallengeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
