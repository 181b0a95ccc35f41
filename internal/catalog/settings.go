package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// First factor identifiers. The first factor decides which verification
// steps open a sign-in flow.
const (
	FirstFactorEmailPassword    = "email_password"
	FirstFactorUsernamePassword = "username_password"
	FirstFactorEmailOtp         = "email_otp"
	FirstFactorEmailMagicLink   = "email_magic_link"
	FirstFactorPhoneOtp         = "phone_otp"
)

// Second factor policy identifiers.
const (
	SecondFactorPolicyNone     = "none"
	SecondFactorPolicyOptional = "optional"
	SecondFactorPolicyEnforced = "enforced"
)

// Field names an attempt may require. These are the values that appear in
// required_fields and missing_fields.
const (
	FieldEmailAddress = "email_address"
	FieldPhoneNumber  = "phone_number"
	FieldUsername     = "username"
	FieldPassword     = "password"
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
)

// IdentifierSettings describes one identifier kind (email, phone, username).
type IdentifierSettings struct {
	Enabled      bool `yaml:"enabled"`
	Required     bool `yaml:"required"`
	VerifySignup bool `yaml:"verify_signup"`
}

// NameSettings describes a profile field with no verification step.
type NameSettings struct {
	Enabled  bool `yaml:"enabled"`
	Required bool `yaml:"required"`
}

// PasswordSettings describes the deployment's password policy.
type PasswordSettings struct {
	Enabled          bool `yaml:"enabled"`
	MinLength        int  `yaml:"min_length"`
	RequireLowercase bool `yaml:"require_lowercase"`
	RequireUppercase bool `yaml:"require_uppercase"`
	RequireNumber    bool `yaml:"require_number"`
	RequireSpecial   bool `yaml:"require_special"`
}

// AuthSettings is the per-deployment authentication configuration the step
// catalog resolves plans against. A change to these settings never alters
// an in-flight attempt; plans are embedded at creation.
type AuthSettings struct {
	DeploymentID string `yaml:"deployment_id"`

	EmailAddress IdentifierSettings `yaml:"email_address"`
	PhoneNumber  IdentifierSettings `yaml:"phone_number"`
	Username     IdentifierSettings `yaml:"username"`
	FirstName    NameSettings       `yaml:"first_name"`
	LastName     NameSettings       `yaml:"last_name"`
	Password     PasswordSettings   `yaml:"password"`

	FirstFactor        string `yaml:"first_factor"`
	SecondFactorPolicy string `yaml:"second_factor_policy"`
}

// Validate checks that the settings reference known factor identifiers.
func (s *AuthSettings) Validate() error {
	switch s.FirstFactor {
	case FirstFactorEmailPassword, FirstFactorUsernamePassword,
		FirstFactorEmailOtp, FirstFactorEmailMagicLink, FirstFactorPhoneOtp:
	default:
		return fmt.Errorf("deployment %s: unknown first_factor %q", s.DeploymentID, s.FirstFactor)
	}
	switch s.SecondFactorPolicy {
	case "", SecondFactorPolicyNone, SecondFactorPolicyOptional, SecondFactorPolicyEnforced:
	default:
		return fmt.Errorf("deployment %s: unknown second_factor_policy %q", s.DeploymentID, s.SecondFactorPolicy)
	}
	return nil
}

// Registry holds loaded deployment auth settings keyed by deployment ID.
// Safe for concurrent reads after Load.
type Registry struct {
	mu       sync.RWMutex
	settings map[string]AuthSettings
}

// NewRegistry creates an empty settings registry.
func NewRegistry() *Registry {
	return &Registry{settings: make(map[string]AuthSettings)}
}

// settingsFile is the on-disk shape of the deployment settings file.
type settingsFile struct {
	Deployments []AuthSettings `yaml:"deployments"`
}

// LoadFile reads a deployment settings YAML file and replaces the registry
// contents. Duplicate deployment IDs are rejected.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: reading %s: %w", path, err)
	}

	var file settingsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("catalog: parsing %s: %w", path, err)
	}

	loaded := make(map[string]AuthSettings, len(file.Deployments))
	for _, s := range file.Deployments {
		if s.DeploymentID == "" {
			return fmt.Errorf("catalog: %s: deployment with empty deployment_id", path)
		}
		if _, dup := loaded[s.DeploymentID]; dup {
			return fmt.Errorf("catalog: %s: duplicate deployment_id %q", path, s.DeploymentID)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("catalog: %s: %w", path, err)
		}
		loaded[s.DeploymentID] = s
	}

	r.mu.Lock()
	r.settings = loaded
	r.mu.Unlock()
	return nil
}

// Put stores settings for one deployment. For tests and programmatic setup.
func (r *Registry) Put(s AuthSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[s.DeploymentID] = s
}

// Get returns the settings for a deployment.
func (r *Registry) Get(deploymentID string) (AuthSettings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[deploymentID]
	return s, ok
}

// Len returns the number of loaded deployments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.settings)
}
