// Package auth implements the TokenValidator: bearer JWT and API key
// credential validation, producing a Principal identity and permission set.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FailureKind classifies why validation failed, per section 4.3.
type FailureKind string

const (
	FailureExpired          FailureKind = "expired"
	FailureInvalidSignature FailureKind = "invalid_signature"
	FailureRevoked          FailureKind = "revoked"
	FailureMalformed        FailureKind = "malformed"
	FailureNotFound         FailureKind = "not_found"
	FailureDisabledMethod   FailureKind = "disabled_method"
)

// AuthFailure is returned by Validate on rejection.
type AuthFailure struct {
	Kind FailureKind
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("auth failure: %s", e.Kind)
}

func fail(kind FailureKind) error { return &AuthFailure{Kind: kind} }

// Principal is the identity produced by a successful validation.
type Principal struct {
	UserID      string
	Permissions []string
	TokenID     string
	ExpiresAt   time.Time
}

// APIKeyRecord is a stored API key's metadata, keyed by the SHA-256 hash of
// the presented key material.
type APIKeyRecord struct {
	UserID      string
	Permissions []string
	ExpiresAt   time.Time
}

// Validator validates bearer JWTs and API keys. JWT validation requires a
// non-empty secret (bearer tokens are disabled without one); API key
// validation requires at least one registered key (otherwise every API key
// lookup returns FailureNotFound).
type Validator struct {
	secret   []byte
	issuer   string
	audience string

	apiKeys map[string]APIKeyRecord // sha256-hex(key) -> record
	revoked map[string]bool         // tokenId -> revoked
}

// Option configures a Validator.
type Option func(*Validator)

// WithJWT enables bearer-token validation against the given symmetric
// secret, issuer, and audience.
func WithJWT(secret, issuer, audience string) Option {
	return func(v *Validator) {
		v.secret = []byte(secret)
		v.issuer = issuer
		v.audience = audience
	}
}

// WithRevokedTokenIDs seeds the revocation set.
func WithRevokedTokenIDs(ids ...string) Option {
	return func(v *Validator) {
		for _, id := range ids {
			v.revoked[id] = true
		}
	}
}

// New creates a Validator. Register API keys with RegisterAPIKey.
func New(opts ...Option) *Validator {
	v := &Validator{
		apiKeys: make(map[string]APIKeyRecord),
		revoked: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RegisterAPIKey stores a key's hash and metadata for later lookup by
// ValidateAPIKey. key is the raw presented credential (e.g.
// "prefix_env_hex64"); only its hash is retained.
func (v *Validator) RegisterAPIKey(key string, rec APIKeyRecord) {
	v.apiKeys[hashKey(key)] = rec
}

// Revoke marks tokenID as revoked; subsequent ValidateJWT calls presenting
// that token id fail with FailureRevoked.
func (v *Validator) Revoke(tokenID string) {
	v.revoked[tokenID] = true
}

// ValidateJWT verifies a bearer token's signature, issuer, audience, expiry,
// and revocation status.
func (v *Validator) ValidateJWT(tokenString string) (*Principal, error) {
	if len(v.secret) == 0 {
		return nil, fail(FailureDisabledMethod)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fail(FailureExpired)
		}
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fail(FailureInvalidSignature)
		}
		return nil, fail(FailureMalformed)
	}
	if !parsed.Valid {
		return nil, fail(FailureInvalidSignature)
	}

	tokenID, _ := claims["jti"].(string)
	if tokenID != "" && v.revoked[tokenID] {
		return nil, fail(FailureRevoked)
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return nil, fail(FailureMalformed)
	}

	var perms []string
	if raw, ok := claims["permissions"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				perms = append(perms, s)
			}
		}
	}

	expiresAt, _ := claims.GetExpirationTime()
	var expTime time.Time
	if expiresAt != nil {
		expTime = expiresAt.Time
	}

	return &Principal{
		UserID:      userID,
		Permissions: perms,
		TokenID:     tokenID,
		ExpiresAt:   expTime,
	}, nil
}

// ValidateAPIKey hashes the presented key and looks it up among registered
// keys using a constant-time comparison, checking expiry.
func (v *Validator) ValidateAPIKey(key string) (*Principal, error) {
	if key == "" {
		return nil, fail(FailureMalformed)
	}
	if len(v.apiKeys) == 0 {
		return nil, fail(FailureNotFound)
	}

	hash := hashKey(key)
	var found *APIKeyRecord
	for storedHash, rec := range v.apiKeys {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(storedHash)) == 1 {
			r := rec
			found = &r
			break
		}
	}
	if found == nil {
		return nil, fail(FailureNotFound)
	}
	if !found.ExpiresAt.IsZero() && time.Now().After(found.ExpiresAt) {
		return nil, fail(FailureExpired)
	}

	return &Principal{
		UserID:      found.UserID,
		Permissions: found.Permissions,
		ExpiresAt:   found.ExpiresAt,
	}, nil
}

// Validate dispatches on the credential's shape: a three-segment JWT is
// validated via ValidateJWT, everything else via ValidateAPIKey.
func (v *Validator) Validate(credential string) (*Principal, error) {
	if strings.Count(credential, ".") == 2 {
		return v.ValidateJWT(credential)
	}
	return v.ValidateAPIKey(credential)
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
