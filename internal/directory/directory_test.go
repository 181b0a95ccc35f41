package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/veltis/authflow/internal/verify"
)

func seededDirectory() *MemoryDirectory {
	d := NewMemoryDirectory()
	d.Put(User{
		UserID:       "user_1",
		DeploymentID: "dep_1",
		Email:        "Ada@Example.com",
		Username:     "ada",
		PasswordHash: "$2a$04$notarealhashnotarealhashnotarea",
	})
	d.Put(User{
		UserID:       "user_2",
		DeploymentID: "dep_1",
		PhoneNumber:  "+15550100",
	})
	return d
}

func TestMemoryDirectory_ResolveUser(t *testing.T) {
	d := seededDirectory()
	ctx := context.Background()

	tests := []struct {
		name         string
		deploymentID string
		identifier   string
		wantID       string
		wantFound    bool
	}{
		{"by email", "dep_1", "ada@example.com", "user_1", true},
		{"by username", "dep_1", "ADA", "user_1", true},
		{"by phone", "dep_1", "+15550100", "user_2", true},
		{"unknown identifier", "dep_1", "nobody@example.com", "", false},
		{"wrong deployment", "dep_2", "ada@example.com", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, found, err := d.ResolveUser(ctx, tc.deploymentID, tc.identifier)
			if err != nil {
				t.Fatalf("ResolveUser() error = %v", err)
			}
			if found != tc.wantFound || id != tc.wantID {
				t.Errorf("ResolveUser() = (%q, %v), want (%q, %v)", id, found, tc.wantID, tc.wantFound)
			}
		})
	}
}

func TestMemoryDirectory_PasswordHash(t *testing.T) {
	d := seededDirectory()
	ctx := context.Background()

	hash, err := d.PasswordHash(ctx, "dep_1", "ada@example.com")
	if err != nil {
		t.Fatalf("PasswordHash() error = %v", err)
	}
	if hash == "" {
		t.Error("PasswordHash() returned an empty hash")
	}

	// A passwordless account and an unknown identifier look the same.
	if _, err := d.PasswordHash(ctx, "dep_1", "+15550100"); !errors.Is(err, verify.ErrNoCredential) {
		t.Errorf("passwordless account error = %v, want ErrNoCredential", err)
	}
	if _, err := d.PasswordHash(ctx, "dep_1", "nobody@example.com"); !errors.Is(err, verify.ErrNoCredential) {
		t.Errorf("unknown identifier error = %v, want ErrNoCredential", err)
	}
}

func TestMemoryDirectory_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	doc := `users:
  - user_id: user_1
    deployment_id: dep_1
    email: ada@example.com
    password_hash: "$2a$04$notarealhashnotarealhashnotarea"
  - user_id: user_2
    deployment_id: dep_2
    username: grace
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d := NewMemoryDirectory()
	if err := d.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	id, found, _ := d.ResolveUser(context.Background(), "dep_2", "grace")
	if !found || id != "user_2" {
		t.Errorf("ResolveUser() = (%q, %v), want (user_2, true)", id, found)
	}
}

func TestMemoryDirectory_LoadFile_rejectsIncompleteRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	doc := `users:
  - email: ada@example.com
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	d := NewMemoryDirectory()
	if err := d.LoadFile(path); err == nil {
		t.Fatal("LoadFile() should reject a record without user_id")
	}
}
