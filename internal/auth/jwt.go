package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Expiry lookahead windows for local token introspection.
//
// ImmediateWindow is used right before attaching a token to a call: if the
// token dies within it, the call would likely arrive with a dead token, so
// refresh first. ProactiveWindow is the background check that refreshes well
// ahead of expiry so interactive operations rarely pay the refresh latency.
const (
	ImmediateWindow = 30 * time.Second
	ProactiveWindow = 5 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
	AccessTokenTTL  = 15 * time.Minute
	issuer          = "tably"
)

// Claims is the payload inside every Tably JWT.
//
// The client decodes these WITHOUT verifying the signature — it has no
// secret, and it never uses the claims as an authorization decision. They
// exist purely for local expiry introspection and for choosing whether to
// send the tenant header (superadmin). The backend is the only party that
// verifies.
type Claims struct {
	UserID string `json:"user_id"`
	Tenant string `json:"tenant"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed HS256 JWT. Used by the simulator, which
// plays the backend's role of token issuer; the production client never
// signs anything.
func GenerateToken(userID, tenant, role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID: userID,
		Tenant: tenant,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a JWT and extracts the claims. Simulator side:
// checks the signature, the expiry, and that the signing method is HMAC
// (rejects algorithm-switching tokens).
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// Introspect decodes a token's claims without verifying the signature.
// Client side only — see the Claims doc for why that is safe here.
func Introspect(tokenString string) (*Claims, error) {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// ExpiresWithin reports whether the token expires inside the lookahead
// window. Any decode failure counts as expired — fail closed, so a garbled
// token triggers a refresh instead of being sent to the backend.
func ExpiresWithin(tokenString string, window time.Duration) bool {
	claims, err := Introspect(tokenString)
	if err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Until(claims.ExpiresAt.Time) <= window
}

// Expiry returns the token's expiry time, or the zero time when the token
// cannot be decoded.
func Expiry(tokenString string) time.Time {
	claims, err := Introspect(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// RoleOf returns the role claim, or "" for an undecodable token.
func RoleOf(tokenString string) string {
	claims, err := Introspect(tokenString)
	if err != nil {
		return ""
	}
	return claims.Role
}
