package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veltis/authflow/model"
)

// Binder turns a completed sign-in attempt into a session with an active
// sign-in, applying the deployment's session policy. Promotions and
// expiries for the same user are serialized so the single-active-sign-in
// invariant holds without relying on store-level transactions.
type Binder struct {
	store  Store
	policy model.SessionPolicy
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBinder creates a binder over the given store and policy.
func NewBinder(store Store, policy model.SessionPolicy, logger *zap.Logger) *Binder {
	return &Binder{
		store:  store,
		policy: policy,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all session mutations for one
// user within a deployment.
func (b *Binder) userLock(deploymentID, userID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := deploymentID + "/" + userID
	lock, exists := b.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		b.locks[key] = lock
	}
	return lock
}

// Promote creates the sign-in for a completed attempt and binds it to a
// session. Under the single-session policy the user's existing session is
// reused and every prior active sign-in is expired; under the multi-session
// policy each promotion gets a fresh session.
//
// A non-nil commit runs under the user lock after the sign-in exists but
// before any prior sign-in is touched; the caller uses it for the attempt's
// terminal compare-and-swap. If commit fails the fresh sign-in is discarded
// and the user's sessions are left exactly as they were.
func (b *Binder) Promote(ctx context.Context, a model.Attempt, commit func(sessionID string) error) (model.Session, model.SignIn, error) {
	if a.UserID == "" {
		return model.Session{}, model.SignIn{}, model.NewPromotionFailedError(
			fmt.Sprintf("attempt %q has no resolved user", a.ID),
		)
	}

	lock := b.userLock(a.DeploymentID, a.UserID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	sess, err := b.resolveSession(ctx, a, now)
	if err != nil {
		return model.Session{}, model.SignIn{}, err
	}

	si := model.SignIn{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		DeploymentID: a.DeploymentID,
		UserID:       a.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.store.CreateSignIn(ctx, si); err != nil {
		return model.Session{}, model.SignIn{}, fmt.Errorf("create sign-in: %w", err)
	}

	if commit != nil {
		if err := commit(sess.ID); err != nil {
			// The terminal write lost its race. The fresh sign-in was
			// never bound, so expiring it restores the prior state.
			if rbErr := b.expireLocked(ctx, si, now); rbErr != nil {
				b.logger.Error("failed to discard sign-in after lost promotion",
					zap.String("attempt_id", a.ID),
					zap.String("signin_id", si.ID),
					zap.Error(rbErr),
				)
			}
			return model.Session{}, model.SignIn{}, err
		}
	}

	// From here the attempt is committed; failures are logged and repaired
	// by the next promotion rather than surfaced to the caller.
	if b.policy == model.SessionPolicySingle {
		if err := b.expireAllActive(ctx, a.DeploymentID, a.UserID, si.ID, now); err != nil {
			b.logger.Error("failed to expire prior sign-ins",
				zap.String("deployment_id", a.DeploymentID),
				zap.String("user_id", a.UserID),
				zap.Error(err),
			)
		}
	}

	sess.ActiveSignInID = si.ID
	sess.UpdatedAt = now
	if err := b.store.UpdateSession(ctx, sess); err != nil {
		b.logger.Error("failed to bind sign-in to session",
			zap.String("session_id", sess.ID),
			zap.String("signin_id", si.ID),
			zap.Error(err),
		)
	}

	b.logger.Info("promoted attempt",
		zap.String("attempt_id", a.ID),
		zap.String("deployment_id", a.DeploymentID),
		zap.String("session_id", sess.ID),
		zap.String("signin_id", si.ID),
		zap.String("policy", string(b.policy)),
	)
	return sess, si, nil
}

// resolveSession picks the session the new sign-in binds to.
func (b *Binder) resolveSession(ctx context.Context, a model.Attempt, now time.Time) (model.Session, error) {
	reuse := b.policy == model.SessionPolicySingle && a.FlowType == model.FlowSignIn
	if reuse {
		sess, found, err := b.store.FindSessionByUser(ctx, a.DeploymentID, a.UserID)
		if err != nil {
			return model.Session{}, fmt.Errorf("find session: %w", err)
		}
		if found {
			return sess, nil
		}
	}

	sess := model.Session{
		ID:           uuid.NewString(),
		DeploymentID: a.DeploymentID,
		UserID:       a.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := b.store.CreateSession(ctx, sess); err != nil {
		return model.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// expireAllActive expires every active sign-in for the user except keepID
// and detaches them from their sessions.
func (b *Binder) expireAllActive(ctx context.Context, deploymentID, userID, keepID string, now time.Time) error {
	active, err := b.store.ListActiveSignIns(ctx, deploymentID, userID)
	if err != nil {
		return fmt.Errorf("list active sign-ins: %w", err)
	}
	for _, si := range active {
		if si.ID == keepID {
			continue
		}
		if err := b.expireLocked(ctx, si, now); err != nil {
			return err
		}
	}
	return nil
}

// ExpireSignIn expires one sign-in and clears its session's active
// reference. Expiring an already expired sign-in is a no-op.
func (b *Binder) ExpireSignIn(ctx context.Context, signInID string) (model.SignIn, error) {
	si, err := b.store.GetSignIn(ctx, signInID)
	if err != nil {
		return model.SignIn{}, err
	}
	if si.Expired {
		return si, nil
	}

	lock := b.userLock(si.DeploymentID, si.UserID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent promotion under the
	// single-session policy may have expired it already.
	si, err = b.store.GetSignIn(ctx, signInID)
	if err != nil {
		return model.SignIn{}, err
	}
	if si.Expired {
		return si, nil
	}

	now := time.Now().UTC()
	if err := b.expireLocked(ctx, si, now); err != nil {
		return model.SignIn{}, err
	}
	return b.store.GetSignIn(ctx, signInID)
}

// ExpireSignInFor is ExpireSignIn restricted to one deployment. A sign-in
// belonging to another deployment is reported as not found so the caller
// learns nothing about it.
func (b *Binder) ExpireSignInFor(ctx context.Context, deploymentID, signInID string) (model.SignIn, error) {
	si, err := b.store.GetSignIn(ctx, signInID)
	if err != nil {
		return model.SignIn{}, err
	}
	if si.DeploymentID != deploymentID {
		return model.SignIn{}, model.NewNotFoundError(fmt.Sprintf("sign-in %q not found", signInID))
	}
	return b.ExpireSignIn(ctx, signInID)
}

func (b *Binder) expireLocked(ctx context.Context, si model.SignIn, now time.Time) error {
	si.Expired = true
	si.ExpiredAt = &now
	si.UpdatedAt = now
	if err := b.store.UpdateSignIn(ctx, si); err != nil {
		return fmt.Errorf("expire sign-in %q: %w", si.ID, err)
	}

	sess, err := b.store.GetSession(ctx, si.SessionID)
	if err != nil {
		return fmt.Errorf("load session for sign-in %q: %w", si.ID, err)
	}
	if sess.ActiveSignInID == si.ID {
		sess.ActiveSignInID = ""
		sess.UpdatedAt = now
		if err := b.store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("detach sign-in %q: %w", si.ID, err)
		}
	}

	b.logger.Info("expired sign-in",
		zap.String("signin_id", si.ID),
		zap.String("session_id", si.SessionID),
	)
	return nil
}
