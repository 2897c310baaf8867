// Package auth validates the bearer credentials presented on relay
// handshakes and REST calls.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
)

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	// Method names the validator that accepted the token.
	Method string
}

// Validator checks a bearer token.
type Validator interface {
	Validate(token string) (Principal, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(token string) (Principal, error)

func (f ValidatorFunc) Validate(token string) (Principal, error) { return f(token) }

// Chain accepts a token when any of its validators does, trying them in
// order.
type Chain []Validator

func (c Chain) Validate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	for _, v := range c {
		if p, err := v.Validate(token); err == nil {
			return p, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

// FromRequest extracts the bearer token from the "token" query parameter,
// falling back to the Authorization header.
func FromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return FromHeader(r)
}

// FromHeader extracts a bearer token from the Authorization header only.
func FromHeader(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
