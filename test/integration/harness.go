// Package integration provides a reusable harness for end-to-end testing
// of the authflow server. It starts a full HTTP server with in-memory
// stores, a stub delivery backend, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/directory"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
	"github.com/veltis/authflow/internal/transport"
	"github.com/veltis/authflow/internal/verify"
	"github.com/veltis/authflow/model"
)

// Deployment IDs preconfigured in every harness. Alpha verifies email
// ownership with an OTP, beta checks a stored password.
const (
	DeploymentAlpha = "dep_alpha"
	DeploymentBeta  = "dep_beta"
)

// Seeded users. AlphaUserPassword is only meaningful for the beta user,
// the alpha user is passwordless.
const (
	AlphaUserEmail   = "ada@alpha.example.com"
	BetaUserEmail    = "bea@beta.example.com"
	BetaUserPassword = "correct horse battery"
)

// TestHarness encapsulates a fully wired authflow instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Engine       *attempt.Engine
	AttemptStore *attempt.MemoryStore
	SessionStore *session.MemoryStore
	Dispatcher   *notify.WebhookDispatcher
	Delivery     *MockDelivery
	Metrics      *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policy           model.SessionPolicy
	signUpTTL        time.Duration
	signInTTL        time.Duration
	retryBudget      int
	failureThreshold int
	breakerTimeout   time.Duration
	handlerTimeout   time.Duration
}

// WithSessionPolicy sets the session binding policy.
func WithSessionPolicy(p model.SessionPolicy) HarnessOption {
	return func(c *harnessConfig) { c.policy = p }
}

// WithFlowTTLs overrides the attempt lifetimes.
func WithFlowTTLs(signUp, signIn time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.signUpTTL = signUp
		c.signInTTL = signIn
	}
}

// WithBreaker overrides the notifier circuit breaker thresholds.
func WithBreaker(failureThreshold int, timeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.failureThreshold = failureThreshold
		c.breakerTimeout = timeout
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness creates and starts a full authflow test instance. The
// server is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		policy:           model.SessionPolicyMulti,
		signUpTTL:        time.Hour,
		signInTTL:        10 * time.Minute,
		retryBudget:      3,
		failureThreshold: 5,
		breakerTimeout:   30 * time.Second,
		handlerTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()

	registry := catalog.NewRegistry()
	registry.Put(catalog.AuthSettings{
		DeploymentID: DeploymentAlpha,
		EmailAddress: catalog.IdentifierSettings{Enabled: true, Required: true, VerifySignup: true},
		Password:     catalog.PasswordSettings{Enabled: true, MinLength: 8},
		FirstFactor:  catalog.FirstFactorEmailOtp,
	})
	registry.Put(catalog.AuthSettings{
		DeploymentID: DeploymentBeta,
		EmailAddress: catalog.IdentifierSettings{Enabled: true, Required: true},
		Password:     catalog.PasswordSettings{Enabled: true, MinLength: 8},
		FirstFactor:  catalog.FirstFactorEmailPassword,
	})
	cat := catalog.New(registry, config.FlowsConfig{
		SignUpTTL: hc.signUpTTL,
		SignInTTL: hc.signInTTL,
	})

	users := directory.NewMemoryDirectory()
	users.Put(directory.User{
		UserID:       "user_alpha_1",
		DeploymentID: DeploymentAlpha,
		Email:        AlphaUserEmail,
	})
	hash, err := bcrypt.GenerateFromPassword([]byte(BetaUserPassword), bcrypt.MinCost)
	require.NoError(t, err, "hash seed password")
	users.Put(directory.User{
		UserID:       "user_beta_1",
		DeploymentID: DeploymentBeta,
		Email:        BetaUserEmail,
		PasswordHash: string(hash),
	})

	challenges := verify.NewMemoryChallengeStore()
	validators := verify.NewDefaultRegistry(challenges, users, config.ChallengeConfig{
		TTL:         5 * time.Minute,
		OTPDigits:   6,
		MaxAttempts: 3,
	})

	h.SessionStore = session.NewMemoryStore()
	binder := session.NewBinder(h.SessionStore, hc.policy, logger)

	h.Delivery = newMockDelivery(t)
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Dispatcher = notify.NewWebhookDispatcher(config.NotifierConfig{
		BaseURL: h.Delivery.URL(),
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: hc.failureThreshold,
			SuccessThreshold: 1,
			Timeout:          hc.breakerTimeout,
		},
	}, logger)
	dispatcher := notify.NewInstrumentedDispatcher(h.Dispatcher, h.Metrics)

	h.AttemptStore = attempt.NewMemoryStore()
	h.Engine = attempt.NewEngine(cat, h.AttemptStore, validators, binder, dispatcher, users, h.Metrics, logger)
	h.Engine.SetRetryBudget(hc.retryBudget)

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Binder:       binder,
		Metrics:      h.Metrics,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			SettingsLoaded: func() bool { return registry.Len() > 0 },
			AttemptStore:   h.AttemptStore,
			SessionStore:   h.SessionStore,
			ChallengeStore: challenges,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// AlphaToken returns a token scoped to the OTP deployment.
func (h *TestHarness) AlphaToken() string {
	return h.GenerateToken(TestClaims{SubjectID: "client_alpha", DeploymentID: DeploymentAlpha})
}

// BetaToken returns a token scoped to the password deployment.
func (h *TestHarness) BetaToken() string {
	return h.GenerateToken(TestClaims{SubjectID: "client_beta", DeploymentID: DeploymentBeta})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err, "marshal request body")
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	require.NoError(h.t, err, "create request")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err, "read response body")
	require.NoError(h.t, json.Unmarshal(data, target), "unmarshal response body: %s", data)
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks the status code and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	h.AssertStatus(t, resp, expected)
	h.ParseJSON(resp, target)
}

// --- Response shapes ---

// submitResponse mirrors the step submission response envelope.
type submitResponse struct {
	Attempt   model.Attempt            `json:"attempt"`
	Promotion *attempt.PromotionResult `json:"promotion"`
}

// errorResponse mirrors the error envelope.
type errorResponse struct {
	Error model.ErrorEnvelope `json:"error"`
}
