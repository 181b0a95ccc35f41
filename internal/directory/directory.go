// Package directory answers who an identifier belongs to. The attempt
// engine resolves identifiers to user IDs through it, and the credential
// validator fetches stored password hashes from it. It is a read-only
// projection of the platform's user store; account writes happen elsewhere.
package directory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/veltis/authflow/internal/verify"
)

// User is one directory record. An identifier submitted to a flow may
// match the email, username, or phone number.
type User struct {
	UserID       string `yaml:"user_id"`
	DeploymentID string `yaml:"deployment_id"`
	Email        string `yaml:"email"`
	Username     string `yaml:"username"`
	PhoneNumber  string `yaml:"phone_number"`
	PasswordHash string `yaml:"password_hash"`
}

func (u *User) matches(identifier string) bool {
	return strings.EqualFold(u.Email, identifier) ||
		strings.EqualFold(u.Username, identifier) ||
		u.PhoneNumber == identifier
}

// MemoryDirectory serves lookups from records loaded into memory. Suitable
// for testing and single-instance deployments; production deployments use
// the Postgres directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users []User
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{}
}

// LoadFile reads a YAML user file and replaces the directory contents.
func (d *MemoryDirectory) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("directory: read %s: %w", path, err)
	}

	var doc struct {
		Users []User `yaml:"users"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("directory: parse %s: %w", path, err)
	}
	for i, u := range doc.Users {
		if u.UserID == "" || u.DeploymentID == "" {
			return fmt.Errorf("directory: user %d in %s is missing user_id or deployment_id", i, path)
		}
	}

	d.mu.Lock()
	d.users = doc.Users
	d.mu.Unlock()
	return nil
}

// Put adds or replaces a user record.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.users {
		if d.users[i].UserID == u.UserID && d.users[i].DeploymentID == u.DeploymentID {
			d.users[i] = u
			return
		}
	}
	d.users = append(d.users, u)
}

// ResolveUser looks up the user an identifier belongs to within a
// deployment. An unknown identifier is not an error.
func (d *MemoryDirectory) ResolveUser(_ context.Context, deploymentID, identifier string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.users {
		if d.users[i].DeploymentID == deploymentID && d.users[i].matches(identifier) {
			return d.users[i].UserID, true, nil
		}
	}
	return "", false, nil
}

// PasswordHash returns the stored bcrypt hash for an identifier. Returns
// verify.ErrNoCredential for unknown identifiers or passwordless accounts,
// so the validator folds both into the same generic failure.
func (d *MemoryDirectory) PasswordHash(_ context.Context, deploymentID, identifier string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i := range d.users {
		if d.users[i].DeploymentID == deploymentID && d.users[i].matches(identifier) {
			if d.users[i].PasswordHash == "" {
				return "", verify.ErrNoCredential
			}
			return d.users[i].PasswordHash, nil
		}
	}
	return "", verify.ErrNoCredential
}

// Ping always succeeds for the in-memory directory.
func (d *MemoryDirectory) Ping(_ context.Context) error { return nil }
