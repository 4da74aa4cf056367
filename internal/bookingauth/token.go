// Package bookingauth binds a booking write to the session that established
// the subject record it is attributed to. The caller upstream is an
// LLM-driven agent that can mis-copy identifiers; a signed, short-lived,
// server-issued token turns a wrong-subject booking into a hard
// authorization failure before any provider write happens.
package bookingauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/booking-orchestrator/internal/store"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

var (
	// ErrAuthMissing is returned when no token was supplied
	ErrAuthMissing = errors.New("booking token is required")

	// ErrSignatureInvalid is returned for tampered or malformed tokens
	ErrSignatureInvalid = errors.New("booking token signature is invalid")

	// ErrExpired is returned for well-signed tokens past their expiry
	ErrExpired = errors.New("booking token has expired")

	// ErrSubjectMismatch is returned when the booking names a different
	// subject than the token was issued for
	ErrSubjectMismatch = errors.New("booking token was issued for a different subject")
)

// Claims carried inside a booking token.
type Claims struct {
	SessionID string `json:"sid"`
	SubjectID string `json:"subject"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// IssuedToken pairs the opaque token string with its expiry for API
// responses.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer mints and validates booking tokens. Issuance is idempotent within
// the TTL: duplicate upstream create requests for the same (session,
// subject) get the same token back.
type Issuer struct {
	store  store.StateStore
	secret []byte
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// NewIssuer creates a token issuer with the server-held signing secret.
func NewIssuer(st store.StateStore, secret string, ttl time.Duration, logger *logging.Logger) *Issuer {
	if secret == "" {
		panic("bookingauth: signing secret cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{
		store:  st,
		secret: []byte(secret),
		ttl:    ttl,
		logger: logger.Component("bookingauth"),
		now:    time.Now,
	}
}

// SetClock replaces the issuer clock. Test-only.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Issue returns a signed token binding (sessionID, subjectID). A token
// already issued for the pair and still within its TTL is returned again
// rather than minting a fresh one.
func (i *Issuer) Issue(ctx context.Context, sessionID, subjectID string) (*IssuedToken, error) {
	if sessionID == "" || subjectID == "" {
		return nil, fmt.Errorf("bookingauth: session and subject ids are required")
	}

	cacheKey := issuedKey(sessionID, subjectID)
	if cached, ok, err := i.store.Get(ctx, cacheKey); err == nil && ok {
		if claims, verr := i.parse(cached); verr == nil && i.now().Before(claims.ExpiresAt.Time) {
			return &IssuedToken{Token: cached, ExpiresAt: claims.ExpiresAt.Time}, nil
		}
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		SessionID: sessionID,
		SubjectID: subjectID,
		Nonce:     uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("bookingauth: sign token: %w", err)
	}

	if err := i.store.Set(ctx, cacheKey, signed, i.ttl); err != nil {
		// Issuance still succeeds; only idempotent reuse is lost.
		i.logger.Warn("cache issued token failed", "error", err)
	}

	i.logger.Info("booking token issued", "session_id", sessionID, "subject_id", subjectID)
	return &IssuedToken{Token: signed, ExpiresAt: expiresAt}, nil
}

// Validate checks the token against the subject the booking claims to be
// for. Order matters: signature first (reject tampering before touching the
// clock), then expiry, then subject match. Any failure is terminal for the
// attempt.
func (i *Issuer) Validate(token, claimedSubjectID string) (*Claims, error) {
	if token == "" {
		return nil, ErrAuthMissing
	}
	claims, err := i.parse(token)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	if claims.ExpiresAt == nil || !i.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	if claims.SubjectID != claimedSubjectID {
		return nil, ErrSubjectMismatch
	}
	return claims, nil
}

// parse verifies the signature only; expiry is checked by the caller so
// validation failures map to distinct reasons.
func (i *Issuer) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		if err == nil {
			err = jwt.ErrTokenSignatureInvalid
		}
		return nil, err
	}
	return claims, nil
}

func issuedKey(sessionID, subjectID string) string {
	return fmt.Sprintf("authz:token:%s:%s", sessionID, subjectID)
}
