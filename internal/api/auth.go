package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies an authenticated operator.
type OperatorClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type tokenClaims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// JWTManager signs and validates operator access tokens (HS256).
type JWTManager struct {
	secret         []byte
	accessDuration time.Duration
}

// NewJWTManager creates a token manager.
func NewJWTManager(secret string, accessDuration time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), accessDuration: accessDuration}
}

// GenerateAccessToken mints a short-lived operator token.
func (m *JWTManager) GenerateAccessToken(claims OperatorClaims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		OperatorClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessDuration)),
		},
	})
	return token.SignedString(m.secret)
}

// ValidateAccessToken parses and verifies a bearer token.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*tokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return &claims.OperatorClaims, nil
}
