package verify

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/model"
)

// SecretKind selects the shape of a generated challenge secret.
type SecretKind int

const (
	// SecretOTPCode is a short numeric code typed by the user.
	SecretOTPCode SecretKind = iota
	// SecretLinkToken is a long token embedded in a verification link.
	SecretLinkToken
)

const linkTokenBytes = 32

// ChallengeOptions configures one ChallengeValidator.
type ChallengeOptions struct {
	Secret    SecretKind
	Channel   string
	Template  string
	Satisfies []string
}

// ChallengeValidator issues a hashed challenge when its step is entered and
// validates the submitted secret against it. Wrong submissions burn one of
// a bounded number of guesses; the challenge is deleted once consumed or
// exhausted. Validation failure never advances attempt state, so retrying
// the same step is always safe.
type ChallengeValidator struct {
	store       ChallengeStore
	ttl         time.Duration
	digits      int
	maxAttempts int
	opts        ChallengeOptions
}

// NewChallengeValidator creates a challenge validator for one step kind.
func NewChallengeValidator(store ChallengeStore, cfg config.ChallengeConfig, opts ChallengeOptions) *ChallengeValidator {
	return &ChallengeValidator{
		store:       store,
		ttl:         cfg.TTL,
		digits:      cfg.OTPDigits,
		maxAttempts: cfg.MaxAttempts,
		opts:        opts,
	}
}

// Issue generates a fresh secret, stores its hash, and returns the message
// to dispatch. Issuing replaces any previous challenge for the step.
func (v *ChallengeValidator) Issue(ctx context.Context, vctx Context) (notify.Message, error) {
	secret, err := v.generateSecret()
	if err != nil {
		return notify.Message{}, fmt.Errorf("verify: generate secret: %w", err)
	}

	key := ChallengeKey(vctx.Attempt.ID, string(vctx.Attempt.CurrentStep))
	ch := Challenge{
		SecretHash: hashSecret(secret),
		IssuedAt:   time.Now().UTC(),
	}
	if err := v.store.Put(ctx, key, ch, v.ttl); err != nil {
		return notify.Message{}, err
	}

	dataKey := "code"
	if v.opts.Secret == SecretLinkToken {
		dataKey = "token"
	}
	return notify.Message{
		Channel:   v.opts.Channel,
		Recipient: vctx.Attempt.Identifier,
		Template:  v.opts.Template,
		Data:      map[string]string{dataKey: secret},
	}, nil
}

// Validate compares the submitted secret against the stored challenge.
func (v *ChallengeValidator) Validate(ctx context.Context, payload map[string]string, vctx Context) ([]string, error) {
	field := "code"
	if v.opts.Secret == SecretLinkToken {
		field = "token"
	}

	submitted := payload[field]
	if submitted == "" {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: field, Code: "missing", Message: "The verification " + field + " is required"},
		})
	}

	key := ChallengeKey(vctx.Attempt.ID, string(vctx.Attempt.CurrentStep))
	ch, found, err := v.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: field, Code: "challenge_expired", Message: "The verification " + field + " has expired; request a new one"},
		})
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(submitted)), []byte(ch.SecretHash)) != 1 {
		count, bumpErr := v.store.BumpWrongAttempts(ctx, key)
		if bumpErr != nil {
			return nil, bumpErr
		}
		if v.maxAttempts > 0 && count >= v.maxAttempts {
			if delErr := v.store.Delete(ctx, key); delErr != nil {
				return nil, delErr
			}
			return nil, model.NewValidationFailedError([]model.FieldError{
				{Field: field, Code: "too_many_attempts", Message: "Too many incorrect submissions; request a new " + field},
			})
		}
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: field, Code: "incorrect", Message: "The verification " + field + " is incorrect"},
		})
	}

	// Consumed: a secret never verifies twice.
	if err := v.store.Delete(ctx, key); err != nil {
		return nil, err
	}

	return v.opts.Satisfies, nil
}

func (v *ChallengeValidator) generateSecret() (string, error) {
	if v.opts.Secret == SecretLinkToken {
		buf := make([]byte, linkTokenBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return hex.EncodeToString(buf), nil
	}

	digits := v.digits
	if digits < 4 {
		digits = 6
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
