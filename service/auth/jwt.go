package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swapslab/tradeloop/env"
	"github.com/swapslab/tradeloop/service/persist"
)

// ErrInvalidJWT is returned for tokens that are missing, malformed,
// expired, or signed with the wrong key.
type ErrInvalidJWT struct{}

func (e ErrInvalidJWT) Error() string {
	return "invalid or expired token"
}

type tenantClaims struct {
	TenantID persist.TenantID `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateTenantToken mints a token scoped to one tenant.
func GenerateTenantToken(ctx context.Context, tenantID persist.TenantID) (string, error) {
	secret := env.GetString("AUTH_JWT_SECRET")
	validFor := time.Duration(env.GetInt64("AUTH_JWT_TTL")) * time.Second
	if validFor <= 0 {
		validFor = 24 * time.Hour
	}

	claims := tenantClaims{
		TenantID:         tenantID,
		RegisteredClaims: newRegisteredClaims(validFor),
	}
	return generateJWT(claims, secret)
}

// ParseTenantToken validates a bearer token and returns the tenant it is
// scoped to.
func ParseTenantToken(ctx context.Context, token string) (persist.TenantID, error) {
	claims := tenantClaims{}
	parsedToken, err := jwt.ParseWithClaims(token, &claims, keyFunc(env.GetString("AUTH_JWT_SECRET")))
	if err != nil || !parsedToken.Valid || claims.TenantID == "" {
		return "", ErrInvalidJWT{}
	}
	return claims.TenantID, nil
}

// StripBearer removes the Bearer prefix of an Authorization header.
func StripBearer(header string) string {
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func newRegisteredClaims(validFor time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(validFor)),
		Issuer:    "tradeloop",
	}
}

func generateJWT(claims jwt.Claims, jwtSecret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

func keyFunc(secret string) jwt.Keyfunc {
	return func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}
}
