package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("jwt-manager")

const issuer = "fleet-telemetry"

// Roles carried by dashboard tokens.
const (
	RoleViewer = "viewer"
	RoleAdmin  = "admin"
)

// JWTManager manages dashboard token creation and validation
type JWTManager struct {
	mu         sync.RWMutex
	signingKey []byte
	keyID      string

	algorithm string
	tracer    trace.Tracer
}

// Claims represents JWT claims for dashboard clients
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role. Admin implies every role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// NewJWTManager creates a JWT manager signing with secret
func NewJWTManager(secret string) (*JWTManager, error) {
	if secret == "" {
		return nil, errors.New("jwt signing secret is required")
	}
	return &JWTManager{
		signingKey: []byte(secret),
		keyID:      fingerprint(secret),
		algorithm:  "HS256", // Default to HMAC-SHA256
		tracer:     tracer,
	}, nil
}

// fingerprint identifies a signing key in the kid header without revealing it.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

func (jm *JWTManager) key() ([]byte, string) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.signingKey, jm.keyID
}

// GenerateToken generates a new JWT token
func (jm *JWTManager) GenerateToken(ctx context.Context, subject string, roles []string, duration time.Duration) (string, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()

	span.SetAttributes(attribute.String("jwt.subject", subject))

	key, kid := jm.key()
	now := time.Now()
	claims := &Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(jm.algorithm), claims)

	// Set key ID header for key rotation support
	token.Header["kid"] = kid

	tokenString, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	span.SetAttributes(
		attribute.String("jwt.id", claims.ID),
		attribute.String("jwt.expires_at", claims.ExpiresAt.String()),
	)

	return tokenString, nil
}

// ValidateToken validates a JWT token
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	key, kid := jm.key()
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jm.algorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		// Tokens signed before a rotation fail the signature check below.
		if got, ok := token.Header["kid"].(string); ok && got != kid {
			span.SetAttributes(attribute.String("jwt.kid_mismatch", got))
		}

		return key, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	span.SetAttributes(
		attribute.String("jwt.subject", claims.Subject),
		attribute.String("jwt.id", claims.ID),
	)

	return claims, nil
}

// RotateSigningKey replaces the signing key. Tokens signed with the old key
// stop validating immediately.
func (jm *JWTManager) RotateSigningKey(ctx context.Context, secret string) error {
	_, span := jm.tracer.Start(ctx, "jwt.rotate_signing_key")
	defer span.End()

	if secret == "" {
		return errors.New("jwt signing secret is required")
	}

	jm.mu.Lock()
	changed := string(jm.signingKey) != secret
	jm.signingKey = []byte(secret)
	jm.keyID = fingerprint(secret)
	kid := jm.keyID
	jm.mu.Unlock()

	span.SetAttributes(
		attribute.String("jwt.algorithm", jm.algorithm),
		attribute.String("jwt.key_id", kid),
		attribute.Bool("jwt.key_changed", changed),
	)

	return nil
}
