package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
	"github.com/veltis/authflow/internal/verify"
	"github.com/veltis/authflow/model"
)

const defaultRetryBudget = 3

// IdentityResolver maps an identifier to an existing user within a
// deployment. Resolution failure is not an error: an unrecognized
// identifier simply yields no user, and the flow decides what that means.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, deploymentID, identifier string) (userID string, found bool, err error)
}

// StartRequest carries the caller's input for creating an attempt.
type StartRequest struct {
	FlowType     model.FlowType
	Identifier   string
	Fields       map[string]string
	Capabilities []string
}

// SubmitRequest carries one step submission.
type SubmitRequest struct {
	Step model.StepKind

	// ExpectedVersion, when non-zero, must match the attempt's current
	// version or the submission is rejected without validation.
	ExpectedVersion int

	Payload map[string]string
	Fields  map[string]string
}

// Descriptor is the read projection of an attempt: its record with the
// status derived against the clock, plus the audit history.
type Descriptor struct {
	Attempt model.Attempt        `json:"attempt"`
	Status  string               `json:"status"`
	History []model.AttemptEvent `json:"history"`
}

// PromotionResult is returned alongside the attempt when a submission
// completes the flow.
type PromotionResult struct {
	Session model.Session `json:"session"`
	SignIn  model.SignIn  `json:"sign_in"`
}

// Engine manages the attempt lifecycle: creation against a resolved step
// plan, ordered step submission over the versioned store, promotion into a
// session on completion, and expiry sweeping.
type Engine struct {
	catalog    *catalog.Catalog
	store      Store
	validators *verify.Registry
	binder     *session.Binder
	dispatcher notify.Dispatcher
	resolver   IdentityResolver
	metrics    *observability.Metrics
	logger     *zap.Logger

	retryBudget int
}

// NewEngine creates a new attempt engine.
func NewEngine(
	cat *catalog.Catalog,
	store Store,
	validators *verify.Registry,
	binder *session.Binder,
	dispatcher notify.Dispatcher,
	resolver IdentityResolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		catalog:     cat,
		store:       store,
		validators:  validators,
		binder:      binder,
		dispatcher:  dispatcher,
		resolver:    resolver,
		metrics:     metrics,
		logger:      logger,
		retryBudget: defaultRetryBudget,
	}
}

// SetRetryBudget overrides the number of reload-and-retry rounds a
// submission gets when it loses an internal version race.
func (e *Engine) SetRetryBudget(n int) {
	if n > 0 {
		e.retryBudget = n
	}
}

// Start creates a new attempt with a plan resolved from the deployment's
// current settings. The plan is embedded in the attempt and never
// re-resolved, so settings changes cannot reshape an in-flight attempt.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, req StartRequest) (model.Attempt, error) {
	if !req.FlowType.Valid() {
		return model.Attempt{}, model.NewUnsupportedFlowError(
			fmt.Sprintf("unknown flow type %q", req.FlowType),
		)
	}

	identifier := strings.ToLower(strings.TrimSpace(req.Identifier))
	if identifier == "" {
		return model.Attempt{}, model.NewBadRequestError("identifier is required")
	}

	caps := catalog.NewCapabilities(req.Capabilities...)
	plan, err := e.catalog.Resolve(req.FlowType, rctx.DeploymentID, caps)
	if err != nil {
		return model.Attempt{}, err
	}

	now := time.Now().UTC()
	a := model.Attempt{
		ID:             uuid.NewString(),
		DeploymentID:   rctx.DeploymentID,
		FlowType:       req.FlowType,
		Identifier:     identifier,
		RequiredFields: plan.RequiredFields,
		MissingFields:  missingAfter(plan.RequiredFields, req.Fields),
		Status:         model.AttemptStatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(plan.TTL),
	}
	if len(plan.Steps) > 0 {
		a.CurrentStep = plan.Steps[0]
		a.RemainingSteps = plan.Steps[1:]
	} else {
		a.CurrentStep = model.StepComplete
	}

	if req.FlowType == model.FlowSignIn {
		userID, found, err := e.resolver.ResolveUser(ctx, rctx.DeploymentID, identifier)
		if err != nil {
			return model.Attempt{}, fmt.Errorf("resolve user: %w", err)
		}
		if !found {
			return model.Attempt{}, model.NewNotFoundError(
				fmt.Sprintf("no user matches identifier %q", identifier),
			)
		}
		a.UserID = userID
	}

	if err := e.store.Create(ctx, a); err != nil {
		return model.Attempt{}, err
	}

	e.appendEvent(ctx, a.ID, "", model.EventAttemptStarted, rctx.SubjectID, map[string]any{
		"flow_type": string(a.FlowType),
	})
	e.appendEvent(ctx, a.ID, a.CurrentStep, model.EventStepEntered, rctx.SubjectID, nil)

	e.metrics.AttemptStartsTotal.WithLabelValues(string(a.FlowType)).Inc()
	e.logger.Info("attempt started",
		zap.String("attempt_id", a.ID),
		zap.String("deployment_id", a.DeploymentID),
		zap.String("flow_type", string(a.FlowType)),
		zap.String("current_step", string(a.CurrentStep)),
	)

	if a.CurrentStep != model.StepComplete {
		e.issueChallenge(ctx, a)
	}
	return a, nil
}

// SubmitStep validates a submission against the attempt's current step and
// advances the attempt on success. Completing the final requirement
// promotes the attempt into a session atomically with the final state
// write. Returns the updated attempt, and a non-nil PromotionResult when
// the submission completed the flow.
func (e *Engine) SubmitStep(ctx context.Context, rctx *model.RequestContext, attemptID string, req SubmitRequest) (model.Attempt, *PromotionResult, error) {
	var lastErr error
	for round := 0; round < e.retryBudget; round++ {
		a, promo, err := e.submitOnce(ctx, rctx, attemptID, req, round == 0)
		if err == nil {
			return a, promo, nil
		}
		// Only internal version races are retried: the caller's stated
		// expectation was already checked against the loaded record.
		if model.CodeOf(err) == model.ErrVersionConflict && req.ExpectedVersion == 0 {
			e.metrics.SubmitRetriesTotal.Inc()
			lastErr = err
			continue
		}
		return model.Attempt{}, nil, err
	}
	return model.Attempt{}, nil, lastErr
}

func (e *Engine) submitOnce(ctx context.Context, rctx *model.RequestContext, attemptID string, req SubmitRequest, checkExpectation bool) (model.Attempt, *PromotionResult, error) {
	a, err := e.store.Get(ctx, rctx.DeploymentID, attemptID)
	if err != nil {
		return model.Attempt{}, nil, err
	}

	now := time.Now().UTC()
	if a.Status == model.AttemptStatusPending && a.ExpiredAt(now) {
		e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "expired").Inc()
		return model.Attempt{}, nil, model.NewExpiredError(
			fmt.Sprintf("attempt %q expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339)),
		)
	}
	if a.Status != model.AttemptStatusPending {
		return model.Attempt{}, nil, model.NewAttemptNotPendingError(
			fmt.Sprintf("attempt %q is %s", a.ID, a.Status),
		)
	}
	if checkExpectation && req.ExpectedVersion != 0 && req.ExpectedVersion != a.Version {
		e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "version_conflict").Inc()
		return model.Attempt{}, nil, model.NewVersionConflictError(
			fmt.Sprintf("attempt %q is at version %d, not %d", a.ID, a.Version, req.ExpectedVersion),
		)
	}
	if req.Step != a.CurrentStep {
		e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "step_mismatch").Inc()
		return model.Attempt{}, nil, model.NewStepMismatchError(
			fmt.Sprintf("attempt %q awaits step %q, got %q", a.ID, a.CurrentStep, req.Step),
		)
	}

	settings, err := e.catalog.Settings(rctx.DeploymentID)
	if err != nil {
		return model.Attempt{}, nil, err
	}

	advanced := a.Clone()

	if a.CurrentStep != model.StepComplete {
		validator, ok := e.validators.For(a.CurrentStep)
		if !ok {
			return model.Attempt{}, nil, fmt.Errorf("no validator for step %q", a.CurrentStep)
		}
		satisfied, err := validator.Validate(ctx, req.Payload, verify.Context{Attempt: a, Settings: settings})
		if err != nil {
			if model.CodeOf(err) == model.ErrValidationFailed {
				e.appendEvent(ctx, a.ID, a.CurrentStep, model.EventValidationFailed, rctx.SubjectID, map[string]any{
					"payload": observability.RedactBody(payloadForAudit(req.Payload), nil),
				})
				e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "validation_failed").Inc()
			}
			return model.Attempt{}, nil, err
		}

		advanced.MissingFields = removeFields(advanced.MissingFields, satisfied)
		e.appendEvent(ctx, a.ID, a.CurrentStep, model.EventStepCompleted, rctx.SubjectID, nil)

		if len(advanced.RemainingSteps) > 0 {
			advanced.CurrentStep = advanced.RemainingSteps[0]
			advanced.RemainingSteps = advanced.RemainingSteps[1:]
		} else {
			advanced.CurrentStep = model.StepComplete
			advanced.RemainingSteps = nil
		}
	}

	advanced.MissingFields = removeProvided(advanced.MissingFields, req.Fields)

	if advanced.CurrentStep == model.StepComplete && len(advanced.MissingFields) > 0 {
		// Steps are exhausted but profile fields remain: persist what was
		// supplied and hold the attempt open. The projection shows the
		// caller exactly which fields are still owed.
		if err := e.store.Update(ctx, advanced); err != nil {
			return model.Attempt{}, nil, err
		}
		advanced.Version++
		e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "fields_missing").Inc()
		return advanced, nil, nil
	}

	if advanced.Complete() {
		return e.complete(ctx, rctx, advanced, req.Step)
	}

	if err := e.store.Update(ctx, advanced); err != nil {
		return model.Attempt{}, nil, err
	}
	advanced.Version++

	e.appendEvent(ctx, advanced.ID, advanced.CurrentStep, model.EventStepEntered, rctx.SubjectID, nil)
	e.metrics.StepSubmissionsTotal.WithLabelValues(string(req.Step), "completed").Inc()
	e.logger.Info("step completed",
		zap.String("attempt_id", advanced.ID),
		zap.String("step", string(req.Step)),
		zap.String("next_step", string(advanced.CurrentStep)),
	)

	e.issueChallenge(ctx, advanced)
	return advanced, nil, nil
}

// complete finalizes the attempt. The terminal compare-and-swap runs inside
// the binder's promotion, under its per-user lock, and prior sign-ins are
// only expired once the swap has landed: a lost race leaves both the attempt
// and the user's sessions at their pre-submission state.
func (e *Engine) complete(ctx context.Context, rctx *model.RequestContext, advanced model.Attempt, step model.StepKind) (model.Attempt, *PromotionResult, error) {
	advanced.Status = model.AttemptStatusComplete

	// Sign-up mints the user at completion; a sign-in carries the user
	// resolved at start and is never promoted without one.
	if advanced.UserID == "" && advanced.FlowType == model.FlowSignUp {
		advanced.UserID = uuid.NewString()
	}

	sess, si, err := e.binder.Promote(ctx, advanced, func(sessionID string) error {
		advanced.SessionID = sessionID
		return e.store.Update(ctx, advanced)
	})
	if err != nil {
		if model.CodeOf(err) == model.ErrInternalError {
			return model.Attempt{}, nil, model.NewPromotionFailedError(err.Error())
		}
		return model.Attempt{}, nil, err
	}
	advanced.Version++

	e.appendEvent(ctx, advanced.ID, step, model.EventAttemptCompleted, rctx.SubjectID, map[string]any{
		"session_id": sess.ID,
		"signin_id":  si.ID,
	})
	e.metrics.StepSubmissionsTotal.WithLabelValues(string(step), "completed").Inc()
	e.metrics.AttemptCompletionsTotal.WithLabelValues(string(advanced.FlowType)).Inc()
	e.metrics.PromotionsTotal.Inc()
	e.logger.Info("attempt completed",
		zap.String("attempt_id", advanced.ID),
		zap.String("deployment_id", advanced.DeploymentID),
		zap.String("session_id", sess.ID),
		zap.String("signin_id", si.ID),
	)

	return advanced, &PromotionResult{Session: sess, SignIn: si}, nil
}

// Get returns the attempt's read projection. An attempt past its expiry
// reports the expired status without a write.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, attemptID string) (Descriptor, error) {
	a, err := e.store.Get(ctx, rctx.DeploymentID, attemptID)
	if err != nil {
		return Descriptor{}, err
	}

	status := a.Status
	if status == model.AttemptStatusPending && a.ExpiredAt(time.Now().UTC()) {
		status = model.AttemptStatusExpired
	}

	history, err := e.store.GetEvents(ctx, rctx.DeploymentID, attemptID)
	if err != nil {
		return Descriptor{}, err
	}

	return Descriptor{Attempt: a, Status: status, History: history}, nil
}

// Cancel abandons a pending attempt. Cancelling an attempt that already
// reached a terminal status is a no-op.
func (e *Engine) Cancel(ctx context.Context, rctx *model.RequestContext, attemptID, reason string) (model.Attempt, error) {
	for round := 0; round < e.retryBudget; round++ {
		a, err := e.store.Get(ctx, rctx.DeploymentID, attemptID)
		if err != nil {
			return model.Attempt{}, err
		}
		if a.Status != model.AttemptStatusPending {
			return a, nil
		}

		a.Status = model.AttemptStatusCancelled
		if err := e.store.Update(ctx, a); err != nil {
			if model.CodeOf(err) == model.ErrVersionConflict {
				continue
			}
			return model.Attempt{}, err
		}
		a.Version++

		e.appendEvent(ctx, a.ID, a.CurrentStep, model.EventAttemptCancelled, rctx.SubjectID, map[string]any{
			"reason": reason,
		})
		e.logger.Info("attempt cancelled",
			zap.String("attempt_id", a.ID),
			zap.String("reason", reason),
		)
		return a, nil
	}
	return model.Attempt{}, model.NewVersionConflictError(
		fmt.Sprintf("attempt %q kept changing during cancellation", attemptID),
	)
}

// SweepExpired marks pending attempts past their expiry as expired and
// records the transition. Reads already project expiry lazily; the sweep
// keeps the store honest and releases identifier uniqueness.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find expired attempts: %w", err)
	}

	swept := 0
	for _, a := range expired {
		a.Status = model.AttemptStatusExpired
		if err := e.store.Update(ctx, a); err != nil {
			// Lost a race with a live submission or another sweeper.
			if model.CodeOf(err) == model.ErrVersionConflict {
				continue
			}
			return swept, err
		}
		e.appendEvent(ctx, a.ID, a.CurrentStep, model.EventAttemptExpired, "system", nil)
		swept++
	}
	if swept > 0 {
		e.metrics.SweptAttemptsTotal.Add(float64(swept))
		e.logger.Info("swept expired attempts", zap.Int("count", swept))
	}
	return swept, nil
}

// issueChallenge dispatches the current step's challenge, when the step
// has one. Dispatch is best-effort: a failed delivery leaves the attempt
// usable and the failure in the audit trail.
func (e *Engine) issueChallenge(ctx context.Context, a model.Attempt) {
	validator, ok := e.validators.For(a.CurrentStep)
	if !ok {
		return
	}
	issuer, ok := validator.(verify.Issuer)
	if !ok {
		return
	}

	settings, err := e.catalog.Settings(a.DeploymentID)
	if err != nil {
		e.logger.Warn("challenge issue skipped", zap.String("attempt_id", a.ID), zap.Error(err))
		return
	}

	msg, err := issuer.Issue(ctx, verify.Context{Attempt: a, Settings: settings})
	if errors.Is(err, verify.ErrNoChallenge) {
		return
	}
	if err != nil {
		e.logger.Error("challenge issue failed",
			zap.String("attempt_id", a.ID),
			zap.String("step", string(a.CurrentStep)),
			zap.Error(err),
		)
		return
	}

	if _, err := e.dispatcher.Dispatch(ctx, msg); err != nil {
		e.appendEvent(ctx, a.ID, a.CurrentStep, "dispatch_failed", "system", map[string]any{
			"error": err.Error(),
		})
		e.logger.Warn("challenge dispatch failed",
			zap.String("attempt_id", a.ID),
			zap.String("step", string(a.CurrentStep)),
			zap.Error(err),
		)
	}
}

func (e *Engine) appendEvent(ctx context.Context, attemptID string, step model.StepKind, event, actorID string, data map[string]any) {
	err := e.store.AppendEvent(ctx, model.AttemptEvent{
		ID:        uuid.NewString(),
		AttemptID: attemptID,
		Step:      step,
		Event:     event,
		ActorID:   actorID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("audit event append failed",
			zap.String("attempt_id", attemptID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// payloadForAudit widens a submission payload for the audit trail.
func payloadForAudit(payload map[string]string) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// missingAfter computes the required fields still unsatisfied after the
// fields provided at creation.
func missingAfter(required []string, provided map[string]string) []string {
	missing := make([]string, 0, len(required))
	for _, f := range required {
		if provided[f] == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

func removeFields(fields, satisfied []string) []string {
	if len(satisfied) == 0 {
		return fields
	}
	drop := make(map[string]bool, len(satisfied))
	for _, f := range satisfied {
		drop[f] = true
	}
	out := fields[:0]
	for _, f := range fields {
		if !drop[f] {
			out = append(out, f)
		}
	}
	return out
}

func removeProvided(fields []string, provided map[string]string) []string {
	if len(provided) == 0 {
		return fields
	}
	out := fields[:0]
	for _, f := range fields {
		if provided[f] == "" {
			out = append(out, f)
		}
	}
	return out
}
