package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrEmptySecretKey   = errors.New("secret key cannot be empty")
	ErrInvalidAlgorithm = errors.New("invalid signing algorithm")
	ErrExpiredToken     = errors.New("token has expired")
)

const jwtIssuer = "remote-clauding"

// Claims are the JWT claims accepted by the relay.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator for tokens signed with secret.
func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrEmptySecretKey
	}
	return &JWTValidator{secret: []byte(secret)}, nil
}

// Issue mints a token for subject valid for ttl. A zero ttl never expires.
func (v *JWTValidator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (v *JWTValidator) Validate(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAlgorithm
		}
		return v.secret, nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrExpiredToken
		}
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	return Principal{Subject: claims.Subject, Method: "jwt"}, nil
}
