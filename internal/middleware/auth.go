package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
)

// Claims identifies the caller of an API request
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens
type Authenticator struct {
	secret []byte
	issuer string
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// IssueToken signs a token for userID valid for ttl
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Authenticate returns the user id carried by an Authorization header
func (a *Authenticator) Authenticate(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", errs.ErrNotAuthenticated
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrNotAuthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token carries no subject", errs.ErrNotAuthenticated)
	}
	return claims.Subject, nil
}
