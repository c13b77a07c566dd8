package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to every agent.
const RoleAdmin = "admin"

// Claims are the caller attributes carried in a session token.
type Claims struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller has the admin role.
func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// ParseToken verifies an HMAC-signed JWT and returns its claims.
func ParseToken(tokenString, secret string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, errors.New("invalid token claims")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, errors.New("invalid token claims")
	}
	role, _ := claims["role"].(string)
	return Claims{UserID: sub, Role: role}, nil
}

// IssueToken signs a session token for userID valid for ttl.
func IssueToken(userID, role, secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
