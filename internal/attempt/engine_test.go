package attempt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
	"github.com/veltis/authflow/internal/verify"
	"github.com/veltis/authflow/model"
)

type stubResolver struct {
	users map[string]string // identifier -> user ID
}

func (r *stubResolver) ResolveUser(_ context.Context, _, identifier string) (string, bool, error) {
	id, ok := r.users[identifier]
	return id, ok, nil
}

type stubCredentials struct {
	hashes map[string]string // identifier -> bcrypt hash
}

func (c *stubCredentials) PasswordHash(_ context.Context, _, identifier string) (string, error) {
	h, ok := c.hashes[identifier]
	if !ok {
		return "", verify.ErrNoCredential
	}
	return h, nil
}

func otpSettings(deploymentID string) catalog.AuthSettings {
	return catalog.AuthSettings{
		DeploymentID: deploymentID,
		EmailAddress: catalog.IdentifierSettings{Enabled: true, Required: true, VerifySignup: true},
		Password:     catalog.PasswordSettings{Enabled: true, MinLength: 8},
		FirstFactor:  catalog.FirstFactorEmailOtp,
	}
}

func passwordSettings(deploymentID string) catalog.AuthSettings {
	return catalog.AuthSettings{
		DeploymentID: deploymentID,
		EmailAddress: catalog.IdentifierSettings{Enabled: true, Required: true},
		Password:     catalog.PasswordSettings{Enabled: true, MinLength: 8},
		FirstFactor:  catalog.FirstFactorEmailPassword,
	}
}

type engineHarness struct {
	engine     *Engine
	store      *MemoryStore
	sessions   *session.MemoryStore
	dispatcher *notify.MemoryDispatcher
}

func newEngineHarness(t *testing.T, flows config.FlowsConfig, settings ...catalog.AuthSettings) *engineHarness {
	t.Helper()

	registry := catalog.NewRegistry()
	for _, s := range settings {
		registry.Put(s)
	}
	cat := catalog.New(registry, flows)

	creds := &stubCredentials{hashes: map[string]string{}}
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	creds.hashes["ada@example.com"] = string(hash)

	validators := verify.NewDefaultRegistry(verify.NewMemoryChallengeStore(), creds, config.ChallengeConfig{
		TTL:         5 * time.Minute,
		OTPDigits:   6,
		MaxAttempts: 3,
	})

	sessions := session.NewMemoryStore()
	binder := session.NewBinder(sessions, model.SessionPolicyMulti, zap.NewNop())
	dispatcher := notify.NewMemoryDispatcher()
	resolver := &stubResolver{users: map[string]string{"ada@example.com": "user_1"}}
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	store := NewMemoryStore()
	engine := NewEngine(cat, store, validators, binder, dispatcher, resolver, metrics, zap.NewNop())

	return &engineHarness{engine: engine, store: store, sessions: sessions, dispatcher: dispatcher}
}

func defaultFlows() config.FlowsConfig {
	return config.FlowsConfig{
		SignUpTTL: time.Hour,
		SignInTTL: 10 * time.Minute,
	}
}

func rctxFor(deploymentID string) *model.RequestContext {
	return &model.RequestContext{DeploymentID: deploymentID, SubjectID: "client_1"}
}

func lastSecret(t *testing.T, d *notify.MemoryDispatcher, key string) string {
	t.Helper()
	msg, ok := d.Last()
	if !ok {
		t.Fatal("no challenge was dispatched")
	}
	secret := msg.Data[key]
	if secret == "" {
		t.Fatalf("dispatched message carries no %q: %+v", key, msg)
	}
	return secret
}

func TestEngine_signIn_otpFlow(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "  Ada@Example.com ",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if a.Identifier != "ada@example.com" {
		t.Errorf("Identifier = %q, want normalized", a.Identifier)
	}
	if a.UserID != "user_1" {
		t.Errorf("UserID = %q, want resolved user", a.UserID)
	}
	if a.CurrentStep != model.StepVerifyEmail {
		t.Fatalf("CurrentStep = %s, want verify_email", a.CurrentStep)
	}
	if len(a.MissingFields) != 0 {
		t.Errorf("MissingFields = %v, want none", a.MissingFields)
	}

	// The first step's challenge went out at creation.
	token := lastSecret(t, h.dispatcher, "token")

	a, promo, err := h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": token},
	})
	if err != nil {
		t.Fatalf("SubmitStep(verify_email) error = %v", err)
	}
	if promo != nil {
		t.Fatal("promotion before the plan is done")
	}
	if a.CurrentStep != model.StepVerifyEmailOtp {
		t.Fatalf("CurrentStep = %s, want verify_email_otp", a.CurrentStep)
	}
	if a.Version != 2 {
		t.Errorf("Version = %d, want 2", a.Version)
	}

	code := lastSecret(t, h.dispatcher, "code")
	if len(code) != 6 {
		t.Errorf("len(code) = %d, want 6 digits", len(code))
	}

	a, promo, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmailOtp,
		Payload: map[string]string{"code": code},
	})
	if err != nil {
		t.Fatalf("SubmitStep(verify_email_otp) error = %v", err)
	}
	if promo == nil {
		t.Fatal("expected promotion on completion")
	}
	if a.Status != model.AttemptStatusComplete {
		t.Errorf("Status = %s, want complete", a.Status)
	}
	if a.SessionID != promo.Session.ID {
		t.Errorf("SessionID = %q, want the promoted session %q", a.SessionID, promo.Session.ID)
	}
	if promo.SignIn.UserID != "user_1" {
		t.Errorf("SignIn.UserID = %q, want user_1", promo.SignIn.UserID)
	}

	desc, err := h.engine.Get(ctx, rctx, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if desc.Status != model.AttemptStatusComplete {
		t.Errorf("Descriptor.Status = %s, want complete", desc.Status)
	}
	var sawCompleted bool
	for _, ev := range desc.History {
		if ev.Event == model.EventAttemptCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("history is missing the attempt_completed event")
	}
}

func TestEngine_signIn_credentialFlow(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), passwordSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Credential-mode verification dispatches nothing.
	if _, ok := h.dispatcher.Last(); ok {
		t.Error("no challenge should be dispatched for a credential step")
	}

	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step: model.StepVerifyEmail,
		Payload: map[string]string{
			catalog.FieldEmailAddress: "ada@example.com",
			catalog.FieldPassword:     "wrong",
		},
	})
	if model.CodeOf(err) != model.ErrValidationFailed {
		t.Fatalf("wrong password code = %s, want VALIDATION_FAILED", model.CodeOf(err))
	}

	// Failed validation never advances the attempt.
	desc, _ := h.engine.Get(ctx, rctx, a.ID)
	if desc.Attempt.CurrentStep != model.StepVerifyEmail || desc.Attempt.Version != 1 {
		t.Fatalf("attempt advanced on failed validation: %+v", desc.Attempt)
	}

	_, promo, err := h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step: model.StepVerifyEmail,
		Payload: map[string]string{
			catalog.FieldEmailAddress: "ada@example.com",
			catalog.FieldPassword:     "correct horse",
		},
	})
	if err != nil {
		t.Fatalf("SubmitStep() error = %v", err)
	}
	if promo == nil {
		t.Fatal("expected promotion after the credential step")
	}
}

func TestEngine_signUp_fieldsHeldOpen(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	// Password is required but not provided at creation.
	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignUp,
		Identifier: "new@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "new@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(a.MissingFields) != 1 || a.MissingFields[0] != catalog.FieldPassword {
		t.Fatalf("MissingFields = %v, want [password]", a.MissingFields)
	}

	token := lastSecret(t, h.dispatcher, "token")
	a, promo, err := h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": token},
	})
	if err != nil {
		t.Fatalf("SubmitStep() error = %v", err)
	}
	if promo != nil {
		t.Fatal("promotion with fields still owed")
	}
	if a.Status != model.AttemptStatusPending || a.CurrentStep != model.StepComplete {
		t.Fatalf("attempt = %+v, want pending at the complete marker", a)
	}

	// Supplying the owed field finishes the flow.
	a, promo, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:   model.StepComplete,
		Fields: map[string]string{catalog.FieldPassword: "s3cret-enough"},
	})
	if err != nil {
		t.Fatalf("final SubmitStep() error = %v", err)
	}
	if promo == nil {
		t.Fatal("expected promotion once fields are satisfied")
	}
	if a.UserID == "" {
		t.Error("sign-up completion should mint a user ID")
	}
}

func TestEngine_start_rejectsBadInput(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	_, err := h.engine.Start(ctx, rctx, StartRequest{FlowType: "password_change", Identifier: "a@b.c"})
	if model.CodeOf(err) != model.ErrUnsupportedFlow {
		t.Errorf("unknown flow code = %s, want UNSUPPORTED_FLOW", model.CodeOf(err))
	}

	_, err = h.engine.Start(ctx, rctx, StartRequest{FlowType: model.FlowSignIn, Identifier: "   "})
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("blank identifier code = %s, want BAD_REQUEST", model.CodeOf(err))
	}

	_, err = h.engine.Start(ctx, rctxFor("dep_unknown"), StartRequest{
		FlowType: model.FlowSignIn, Identifier: "ada@example.com",
	})
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("unknown deployment code = %s, want NOT_FOUND", model.CodeOf(err))
	}
}

func TestEngine_start_identityConflict(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	req := StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	}
	if _, err := h.engine.Start(ctx, rctx, req); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err := h.engine.Start(ctx, rctx, req)
	if model.CodeOf(err) != model.ErrIdentityConflict {
		t.Fatalf("second Start() code = %s, want IDENTITY_CONFLICT", model.CodeOf(err))
	}
}

func TestEngine_start_unknownSignInIdentifier(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()

	_, err := h.engine.Start(ctx, rctxFor("dep_1"), StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "stranger@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "stranger@example.com"},
	})
	if model.CodeOf(err) != model.ErrNotFound {
		t.Fatalf("Start() code = %s, want NOT_FOUND", model.CodeOf(err))
	}
	if _, ok := h.dispatcher.Last(); ok {
		t.Error("a challenge was dispatched for an unknown identifier")
	}
}

// conflictingStore fails terminal attempt writes with a version conflict,
// standing in for a concurrent writer winning the race.
type conflictingStore struct {
	*MemoryStore
	failTerminal bool
}

func (s *conflictingStore) Update(ctx context.Context, a model.Attempt) error {
	if s.failTerminal && a.Status == model.AttemptStatusComplete {
		return model.NewVersionConflictError("a concurrent write won")
	}
	return s.MemoryStore.Update(ctx, a)
}

func TestEngine_submit_lostTerminalWriteKeepsPriorSignIn(t *testing.T) {
	registry := catalog.NewRegistry()
	registry.Put(otpSettings("dep_1"))
	cat := catalog.New(registry, defaultFlows())

	validators := verify.NewDefaultRegistry(verify.NewMemoryChallengeStore(), &stubCredentials{}, config.ChallengeConfig{
		TTL:         5 * time.Minute,
		OTPDigits:   6,
		MaxAttempts: 3,
	})
	sessions := session.NewMemoryStore()
	binder := session.NewBinder(sessions, model.SessionPolicySingle, zap.NewNop())
	dispatcher := notify.NewMemoryDispatcher()
	resolver := &stubResolver{users: map[string]string{"ada@example.com": "user_1"}}
	store := &conflictingStore{MemoryStore: NewMemoryStore()}
	engine := NewEngine(cat, store, validators, binder, dispatcher, resolver,
		observability.InitMetrics(prometheus.NewRegistry()), zap.NewNop())

	ctx := context.Background()
	rctx := rctxFor("dep_1")

	startThroughToken := func() model.Attempt {
		t.Helper()
		a, err := engine.Start(ctx, rctx, StartRequest{
			FlowType:   model.FlowSignIn,
			Identifier: "ada@example.com",
			Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
		})
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		a, _, err = engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
			Step:    model.StepVerifyEmail,
			Payload: map[string]string{"token": lastSecret(t, dispatcher, "token")},
		})
		if err != nil {
			t.Fatalf("SubmitStep(verify_email) error = %v", err)
		}
		return a
	}

	// First sign-in completes normally and binds the active sign-in.
	a := startThroughToken()
	_, promo, err := engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmailOtp,
		Payload: map[string]string{"code": lastSecret(t, dispatcher, "code")},
	})
	if err != nil {
		t.Fatalf("SubmitStep(verify_email_otp) error = %v", err)
	}
	if promo == nil {
		t.Fatal("expected promotion on completion")
	}
	priorSignIn := promo.SignIn
	priorSession := promo.Session

	// The second sign-in loses its terminal write. The expectation pins
	// the loaded version, so the conflict surfaces without a retry.
	a = startThroughToken()
	store.failTerminal = true
	_, _, err = engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:            model.StepVerifyEmailOtp,
		ExpectedVersion: a.Version,
		Payload:         map[string]string{"code": lastSecret(t, dispatcher, "code")},
	})
	if model.CodeOf(err) != model.ErrVersionConflict {
		t.Fatalf("SubmitStep() code = %s, want VERSION_CONFLICT", model.CodeOf(err))
	}

	// The prior sign-in and its session binding survived the lost race.
	si, err := sessions.GetSignIn(ctx, priorSignIn.ID)
	if err != nil {
		t.Fatalf("GetSignIn: %v", err)
	}
	if si.Expired {
		t.Error("prior sign-in was expired by a failed promotion")
	}
	sess, err := sessions.GetSession(ctx, priorSession.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ActiveSignInID != priorSignIn.ID {
		t.Errorf("ActiveSignInID = %q, want %q", sess.ActiveSignInID, priorSignIn.ID)
	}
	active, err := sessions.ListActiveSignIns(ctx, "dep_1", "user_1")
	if err != nil {
		t.Fatalf("ListActiveSignIns: %v", err)
	}
	if len(active) != 1 || active[0].ID != priorSignIn.ID {
		t.Errorf("active sign-ins = %v, want only %s", active, priorSignIn.ID)
	}

	// The attempt itself is still pending at its pre-submission step.
	got, err := store.Get(ctx, "dep_1", a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.AttemptStatusPending || got.CurrentStep != model.StepVerifyEmailOtp {
		t.Errorf("attempt = %s at %s, want pending at verify_email_otp", got.Status, got.CurrentStep)
	}
	if got.SessionID != "" {
		t.Errorf("SessionID = %q, want empty after a lost write", got.SessionID)
	}
}

func TestEngine_submit_outOfOrder(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmailOtp,
		Payload: map[string]string{"code": "000000"},
	})
	if model.CodeOf(err) != model.ErrStepMismatch {
		t.Fatalf("out-of-order code = %s, want STEP_MISMATCH", model.CodeOf(err))
	}
}

func TestEngine_submit_expectedVersion(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	token := lastSecret(t, h.dispatcher, "token")
	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:            model.StepVerifyEmail,
		ExpectedVersion: 7,
		Payload:         map[string]string{"token": token},
	})
	if model.CodeOf(err) != model.ErrVersionConflict {
		t.Fatalf("stale expectation code = %s, want VERSION_CONFLICT", model.CodeOf(err))
	}

	// A matching expectation is accepted.
	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:            model.StepVerifyEmail,
		ExpectedVersion: a.Version,
		Payload:         map[string]string{"token": token},
	})
	if err != nil {
		t.Fatalf("SubmitStep() with matching expectation error = %v", err)
	}
}

func TestEngine_submit_expired(t *testing.T) {
	flows := defaultFlows()
	flows.SignInTTL = -time.Minute
	h := newEngineHarness(t, flows, otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": "whatever"},
	})
	if model.CodeOf(err) != model.ErrExpired {
		t.Fatalf("expired submit code = %s, want EXPIRED", model.CodeOf(err))
	}

	// Reads project the derived status without a write.
	desc, err := h.engine.Get(ctx, rctx, a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if desc.Status != model.AttemptStatusExpired {
		t.Errorf("Descriptor.Status = %s, want expired", desc.Status)
	}
	if desc.Attempt.Status != model.AttemptStatusPending {
		t.Errorf("stored status = %s, want still pending before the sweep", desc.Attempt.Status)
	}
}

func TestEngine_cancel(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancelled, err := h.engine.Cancel(ctx, rctx, a.ID, "user abandoned")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != model.AttemptStatusCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}

	// Cancelling a terminal attempt is a no-op.
	again, err := h.engine.Cancel(ctx, rctx, a.ID, "twice")
	if err != nil {
		t.Fatalf("second Cancel() error = %v", err)
	}
	if again.Version != cancelled.Version {
		t.Errorf("Version changed on repeat cancel: %d != %d", again.Version, cancelled.Version)
	}

	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": "whatever"},
	})
	if model.CodeOf(err) != model.ErrAttemptNotPending {
		t.Errorf("submit after cancel code = %s, want ATTEMPT_NOT_PENDING", model.CodeOf(err))
	}
}

func TestEngine_sweepExpired(t *testing.T) {
	flows := defaultFlows()
	flows.SignInTTL = -time.Minute
	h := newEngineHarness(t, flows, otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	swept, err := h.engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	desc, _ := h.engine.Get(ctx, rctx, a.ID)
	if desc.Attempt.Status != model.AttemptStatusExpired {
		t.Errorf("stored status = %s, want expired after the sweep", desc.Attempt.Status)
	}

	// Swept again, nothing is pending.
	swept, err = h.engine.SweepExpired(ctx)
	if err != nil || swept != 0 {
		t.Errorf("second sweep = (%d, %v), want (0, nil)", swept, err)
	}
}

func TestEngine_challengeReplayRejected(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()
	rctx := rctxFor("dep_1")

	a, err := h.engine.Start(ctx, rctx, StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	token := lastSecret(t, h.dispatcher, "token")
	if _, _, err := h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": token},
	}); err != nil {
		t.Fatalf("SubmitStep() error = %v", err)
	}

	// The consumed token cannot satisfy a later step, and the attempt only
	// accepts its current step anyway.
	_, _, err = h.engine.SubmitStep(ctx, rctx, a.ID, SubmitRequest{
		Step:    model.StepVerifyEmail,
		Payload: map[string]string{"token": token},
	})
	if model.CodeOf(err) != model.ErrStepMismatch {
		t.Errorf("replay code = %s, want STEP_MISMATCH", model.CodeOf(err))
	}
}

func TestEngine_linkTokenShape(t *testing.T) {
	h := newEngineHarness(t, defaultFlows(), otpSettings("dep_1"))
	ctx := context.Background()

	_, err := h.engine.Start(ctx, rctxFor("dep_1"), StartRequest{
		FlowType:   model.FlowSignIn,
		Identifier: "ada@example.com",
		Fields:     map[string]string{catalog.FieldEmailAddress: "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	token := lastSecret(t, h.dispatcher, "token")
	if len(token) != 64 || strings.ToLower(token) != token {
		t.Errorf("token = %q, want 64 lowercase hex characters", token)
	}
}
