// Package auth validates the agent's bearer-token handshake and signs the
// short-lived JWTs embedded in messenger approval callbacks. Adapted from
// the teacher's internal/auth: the constant-time API-key comparison from
// auth.go generalizes directly to a single-tenant bearer handshake, and
// JWTService from jwt.go becomes the callback-token signer guardians'
// approve/deny buttons carry back to the gateway.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the agent's bearer token does not
	// match the configured token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrCallbackExpired is returned by VerifyCallback for an expired JWT.
	ErrCallbackExpired = errors.New("auth: callback token expired")
	// ErrCallbackInvalid is returned by VerifyCallback for a malformed or
	// badly-signed JWT.
	ErrCallbackInvalid = errors.New("auth: callback token invalid")
)

// HandshakeValidator checks the agent's auth{token} handshake against the
// gateway's single configured bearer token (spec.md's single-tenant,
// single-agent-bearer-token model — see Non-goals in §1).
type HandshakeValidator struct {
	token []byte
}

// NewHandshakeValidator builds a validator for the configured token.
func NewHandshakeValidator(token string) *HandshakeValidator {
	return &HandshakeValidator{token: []byte(strings.TrimSpace(token))}
}

// Validate reports whether candidate matches the configured token, using a
// constant-time comparison to avoid leaking timing information about the
// token's contents.
func (v *HandshakeValidator) Validate(candidate string) error {
	if len(v.token) == 0 {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(candidate)), v.token) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// CallbackClaims identifies the pending approval a messenger interactive
// callback resolves and the decision it carries. Guardian may be empty when
// the approver is not known at signing time (the Slack adapter signs before
// anyone clicks).
type CallbackClaims struct {
	RequestID string `json:"request_id"`
	Guardian  string `json:"guardian"`
	Decision  string `json:"decision"`
	jwt.RegisteredClaims
}

// CallbackSigner signs and verifies the JWTs embedded in Slack interactive
// message callback values, so ServeInteraction can trust request_id and
// decision without a round trip to the store.
type CallbackSigner struct {
	secret []byte
	expiry time.Duration
}

// NewCallbackSigner builds a signer using secret, with tokens valid for
// expiry (matching how long an approval itself can stay pending). A zero
// expiry defaults to 15 minutes.
func NewCallbackSigner(secret string, expiry time.Duration) *CallbackSigner {
	if expiry == 0 {
		expiry = 15 * time.Minute
	}
	return &CallbackSigner{secret: []byte(secret), expiry: expiry}
}

// Sign issues a callback token binding requestID, guardian, and decision
// together so a tampered callback value fails verification.
func (s *CallbackSigner) Sign(requestID, guardian, decision string) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("auth: callback signer has no secret configured")
	}
	claims := CallbackClaims{
		RequestID: requestID,
		Guardian:  guardian,
		Decision:  decision,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a callback token, returning its claims.
func (s *CallbackSigner) Verify(token string) (*CallbackClaims, error) {
	if len(s.secret) == 0 {
		return nil, ErrCallbackInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &CallbackClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCallbackExpired
		}
		return nil, ErrCallbackInvalid
	}
	claims, ok := parsed.Claims.(*CallbackClaims)
	if !ok || !parsed.Valid {
		return nil, ErrCallbackInvalid
	}
	if strings.TrimSpace(claims.RequestID) == "" {
		return nil, ErrCallbackInvalid
	}
	return claims, nil
}

// GuardianList checks whether an identity is authorized to resolve
// approvals, matching the messenger config's guardians list.
type GuardianList struct {
	allowed map[string]struct{}
}

// NewGuardianList builds a lookup set from configured guardian identities.
func NewGuardianList(guardians []string) *GuardianList {
	allowed := make(map[string]struct{}, len(guardians))
	for _, g := range guardians {
		g = strings.TrimSpace(g)
		if g != "" {
			allowed[g] = struct{}{}
		}
	}
	return &GuardianList{allowed: allowed}
}

// IsGuardian reports whether identity is an authorized approver. An empty
// configured list means every identity is trusted (single-operator setups).
func (l *GuardianList) IsGuardian(identity string) bool {
	if len(l.allowed) == 0 {
		return true
	}
	_, ok := l.allowed[strings.TrimSpace(identity)]
	return ok
}
