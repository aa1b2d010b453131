// internal/pkg/auth/jwt.go
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/your-org/pharmacy-backend/internal/config"
)

// Tier is the caller's role as asserted by the chat gateway
type Tier string

const (
	TierCustomer  Tier = "customer"
	TierWholesale Tier = "wholesale"
	TierStaff     Tier = "staff"
)

// IsValid checks the tier is one we know
func (t Tier) IsValid() bool {
	switch t {
	case TierCustomer, TierWholesale, TierStaff:
		return true
	}
	return false
}

// Claims represents the JWT claims
type Claims struct {
	UserID int64 `json:"user_id"`
	Tier   Tier  `json:"tier"`
	jwt.RegisteredClaims
}

// IsStaff reports whether the caller may use staff operations
func (c *Claims) IsStaff() bool {
	return c.Tier == TierStaff
}

// JWTManager handles JWT operations
type JWTManager struct {
	config config.JWTConfig
	clock  clockwork.Clock
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg config.JWTConfig, clock clockwork.Clock) *JWTManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTManager{
		config: cfg,
		clock:  clock,
	}
}

// GenerateAccessToken issues a token for a user. The gateway normally mints
// these; the CLI and tests use it too.
func (j *JWTManager) GenerateAccessToken(userID int64, tier Tier) (string, error) {
	if !tier.IsValid() {
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	now := j.clock.Now().UTC()

	claims := &Claims{
		UserID: userID,
		Tier:   tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.config.Issuer,
			Subject:   fmt.Sprintf("user:%d", userID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.config.Secret))
}

// ValidateToken validates and parses a JWT token
func (j *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(j.config.Secret), nil
	}, jwt.WithIssuer(j.config.Issuer), jwt.WithTimeFunc(j.clock.Now))

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.UserID <= 0 {
		return nil, fmt.Errorf("token carries no user")
	}
	if !claims.Tier.IsValid() {
		return nil, fmt.Errorf("invalid tier: %q", claims.Tier)
	}

	return claims, nil
}

// ExtractTokenFromHeader extracts JWT token from Authorization header
func ExtractTokenFromHeader(authHeader string) string {
	if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
		return authHeader[7:]
	}
	return ""
}
