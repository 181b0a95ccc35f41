// Package catalog resolves the ordered step plan for an attempt from a
// deployment's auth settings and the caller's declared capabilities.
// Resolution is a pure function of its inputs: no I/O, no side effects.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/model"
)

// Capability names a client can declare at attempt creation. A capability
// states what the end user is able to complete, not what the deployment
// demands; the two are reconciled during plan resolution.
const (
	CapEmail         = "email"
	CapPhone         = "phone"
	CapAuthenticator = "authenticator"
	CapSecondFactor  = "second_factor"
	CapPasswordReset = "password_reset"
)

// Capabilities is the set of capabilities a caller declared.
type Capabilities map[string]bool

// NewCapabilities builds a capability set from names.
func NewCapabilities(names ...string) Capabilities {
	caps := make(Capabilities, len(names))
	for _, n := range names {
		caps[n] = true
	}
	return caps
}

// Has reports whether the capability was declared.
func (c Capabilities) Has(name string) bool { return c[name] }

// Catalog resolves step plans against a settings registry. Flow TTLs come
// from static configuration, so resolution stays deterministic.
type Catalog struct {
	registry  *Registry
	signUpTTL time.Duration
	signInTTL time.Duration
}

// New creates a catalog backed by the given settings registry.
func New(registry *Registry, flows config.FlowsConfig) *Catalog {
	return &Catalog{
		registry:  registry,
		signUpTTL: flows.SignUpTTL,
		signInTTL: flows.SignInTTL,
	}
}

// Resolve looks up the deployment's auth settings and resolves the plan for
// the given flow. Returns NOT_FOUND for an unknown deployment.
func (c *Catalog) Resolve(flowType model.FlowType, deploymentID string, caps Capabilities) (model.Plan, error) {
	settings, ok := c.registry.Get(deploymentID)
	if !ok {
		return model.Plan{}, model.NewNotFoundError(
			fmt.Sprintf("deployment %q not found", deploymentID),
		)
	}

	plan, err := ResolvePlan(flowType, settings, caps)
	if err != nil {
		return model.Plan{}, err
	}

	switch flowType {
	case model.FlowSignUp:
		plan.TTL = c.signUpTTL
	case model.FlowSignIn:
		plan.TTL = c.signInTTL
	}
	return plan, nil
}

// Settings returns the deployment's auth settings. Returns NOT_FOUND for
// an unknown deployment.
func (c *Catalog) Settings(deploymentID string) (AuthSettings, error) {
	settings, ok := c.registry.Get(deploymentID)
	if !ok {
		return AuthSettings{}, model.NewNotFoundError(
			fmt.Sprintf("deployment %q not found", deploymentID),
		)
	}
	return settings, nil
}

// ResolvePlan computes the ordered step plan for one flow. The plan is
// computed once per attempt at creation time and embedded; it is never
// re-interpreted per request.
//
// Sign-in step layout by first factor:
//
//	email_password, username_password  -> verify_email (credential check)
//	email_otp, email_magic_link        -> verify_email, verify_email_otp
//	phone_otp                          -> verify_phone, verify_phone_otp
//
// The verify_second_factor step is appended when the deployment enforces a
// second factor, or when the policy is optional and the caller declared the
// second_factor capability. A caller declaring the password_reset
// capability on sign-in gets the reset step pair instead of the first
// factor.
func ResolvePlan(flowType model.FlowType, settings AuthSettings, caps Capabilities) (model.Plan, error) {
	switch flowType {
	case model.FlowSignUp:
		return resolveSignUp(settings, caps)
	case model.FlowSignIn:
		return resolveSignIn(settings, caps)
	default:
		return model.Plan{}, model.NewUnsupportedFlowError(
			fmt.Sprintf("flow type %q is not supported", flowType),
		)
	}
}

func resolveSignUp(settings AuthSettings, caps Capabilities) (model.Plan, error) {
	b := newPlanBuilder(model.FlowSignUp)

	if settings.EmailAddress.Enabled && settings.EmailAddress.Required {
		b.requireField(FieldEmailAddress)
	}
	if settings.PhoneNumber.Enabled && settings.PhoneNumber.Required {
		b.requireField(FieldPhoneNumber)
	}
	if settings.Username.Enabled && settings.Username.Required {
		b.requireField(FieldUsername)
	}
	if settings.Password.Enabled {
		b.requireField(FieldPassword)
	}
	if settings.FirstName.Enabled && settings.FirstName.Required {
		b.requireField(FieldFirstName)
	}
	if settings.LastName.Enabled && settings.LastName.Required {
		b.requireField(FieldLastName)
	}

	if settings.EmailAddress.Enabled && settings.EmailAddress.VerifySignup {
		b.addStep(model.StepVerifyEmail, FieldEmailAddress)
	}

	if settings.PhoneNumber.Enabled && settings.PhoneNumber.VerifySignup {
		if settings.PhoneNumber.Required && !caps.Has(CapPhone) {
			return model.Plan{}, model.NewConflictingCapabilitiesError(
				"phone verification is required but the phone capability was not declared",
			)
		}
		// Phone verification is conditionally inapplicable when the
		// deployment treats phone as optional and the caller cannot
		// receive SMS.
		if settings.PhoneNumber.Required || caps.Has(CapPhone) {
			b.addStep(model.StepVerifyPhone, FieldPhoneNumber)
		}
	}

	return b.plan(), nil
}

func resolveSignIn(settings AuthSettings, caps Capabilities) (model.Plan, error) {
	b := newPlanBuilder(model.FlowSignIn)

	if caps.Has(CapPasswordReset) {
		b.requireField(FieldEmailAddress)
		b.requireField(FieldPassword)
		b.addStep(model.StepPasswordResetInitiation)
		b.addStep(model.StepPasswordResetCompletion, FieldPassword)
	} else {
		switch settings.FirstFactor {
		case FirstFactorEmailPassword:
			b.requireField(FieldEmailAddress)
			b.requireField(FieldPassword)
			b.addStep(model.StepVerifyEmail, FieldEmailAddress, FieldPassword)
		case FirstFactorUsernamePassword:
			b.requireField(FieldUsername)
			b.requireField(FieldPassword)
			b.addStep(model.StepVerifyEmail, FieldUsername, FieldPassword)
		case FirstFactorEmailOtp, FirstFactorEmailMagicLink:
			b.requireField(FieldEmailAddress)
			b.addStep(model.StepVerifyEmail, FieldEmailAddress)
			b.addStep(model.StepVerifyEmailOtp)
		case FirstFactorPhoneOtp:
			if !caps.Has(CapPhone) {
				return model.Plan{}, model.NewConflictingCapabilitiesError(
					"the first factor requires SMS but the phone capability was not declared",
				)
			}
			b.requireField(FieldPhoneNumber)
			b.addStep(model.StepVerifyPhone, FieldPhoneNumber)
			b.addStep(model.StepVerifyPhoneOtp)
		default:
			return model.Plan{}, model.NewUnsupportedFlowError(
				fmt.Sprintf("first factor %q is not supported", settings.FirstFactor),
			)
		}
	}

	switch settings.SecondFactorPolicy {
	case SecondFactorPolicyEnforced:
		if !caps.Has(CapPhone) && !caps.Has(CapAuthenticator) {
			return model.Plan{}, model.NewConflictingCapabilitiesError(
				"a second factor is enforced but neither phone nor authenticator capability was declared",
			)
		}
		b.addStep(model.StepVerifySecondFactor)
	case SecondFactorPolicyOptional:
		if caps.Has(CapSecondFactor) {
			if !caps.Has(CapPhone) && !caps.Has(CapAuthenticator) {
				return model.Plan{}, model.NewConflictingCapabilitiesError(
					"second factor requested but neither phone nor authenticator capability was declared",
				)
			}
			b.addStep(model.StepVerifySecondFactor)
		}
	}

	return b.plan(), nil
}

// planBuilder accumulates steps and field requirements in order.
type planBuilder struct {
	flowType model.FlowType
	steps    []model.StepKind
	fields   map[string]bool
}

func newPlanBuilder(flowType model.FlowType) *planBuilder {
	return &planBuilder{
		flowType: flowType,
		fields:   make(map[string]bool),
	}
}

func (b *planBuilder) requireField(name string) {
	b.fields[name] = true
}

// addStep appends a step. Fields a step satisfies are implicitly required.
func (b *planBuilder) addStep(step model.StepKind, satisfies ...string) {
	b.steps = append(b.steps, step)
	for _, f := range satisfies {
		b.fields[f] = true
	}
}

func (b *planBuilder) plan() model.Plan {
	required := make([]string, 0, len(b.fields))
	for f := range b.fields {
		required = append(required, f)
	}
	sort.Strings(required)

	return model.Plan{
		FlowType:       b.flowType,
		Steps:          b.steps,
		RequiredFields: required,
	}
}
