// Package auth validates the bearer tokens minted by the identity
// collaborator and exposes the caller's principal to handlers.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	jwtIssuer   = "tradementor-api"
	jwtAudience = "tradementor-clients"

	RoleUser   = "USER"
	RoleMentor = "MENTOR"

	TokenTTL = 24 * time.Hour
)

var (
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidToken   = errors.New("invalid token")
	ErrEmptyJWTSecret = errors.New("jwt secret cannot be empty")
	ErrUnknownRole    = errors.New("unknown role")
)

// Claims carries the authenticated principal.
type Claims struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// GenerateToken mints an HS256 token for the principal. Used by tests and
// the dev login helper; production tokens come from the identity provider
// with the same shape.
func GenerateToken(principalID, role, displayName, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptyJWTSecret
	}
	if role != RoleUser && role != RoleMentor {
		return "", ErrUnknownRole
	}
	now := time.Now()
	claims := &Claims{
		PrincipalID: principalID,
		Role:        role,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Audience:  []string{jwtAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateToken parses and verifies a bearer token.
func ValidateToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrEmptyJWTSecret
	}
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(jwtIssuer),
		jwt.WithAudience(jwtAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PrincipalID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleUser && claims.Role != RoleMentor {
		return nil, ErrUnknownRole
	}
	return claims, nil
}
