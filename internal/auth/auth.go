// Package auth resolves client credentials to upstream secrets.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrForbidden is returned for every rejected credential. Callers must not
// distinguish a missing header from an unknown key.
var ErrForbidden = errors.New("forbidden")

const bearerPrefix = "Bearer "

// Gate maps an inbound Authorization header to the secret used upstream.
type Gate interface {
	Resolve(authorization string) (string, error)
}

// SharedSecret accepts exactly one password and always resolves to the same
// upstream token.
type SharedSecret struct {
	expected []byte
	token    string
}

// NewSharedSecret builds a gate that admits "Bearer <password>".
func NewSharedSecret(password, token string) (*SharedSecret, error) {
	if password == "" {
		return nil, errors.New("shared secret password must not be empty")
	}
	if token == "" {
		return nil, errors.New("shared secret upstream token must not be empty")
	}
	return &SharedSecret{
		expected: []byte(bearerPrefix + password),
		token:    token,
	}, nil
}

func (g *SharedSecret) Resolve(authorization string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(authorization), g.expected) != 1 {
		return "", ErrForbidden
	}
	return g.token, nil
}

// Keyed looks the presented bearer key up in an immutable table.
type Keyed struct {
	secrets map[string]string
}

// NewKeyed copies the key table; later changes to keys are not observed.
func NewKeyed(keys map[string]string) (*Keyed, error) {
	if len(keys) == 0 {
		return nil, errors.New("keyed gate requires at least one key")
	}
	secrets := make(map[string]string, len(keys))
	for key, secret := range keys {
		if key == "" {
			return nil, errors.New("keyed gate: key must not be empty")
		}
		if secret == "" {
			return nil, errors.New("keyed gate: secret must not be empty")
		}
		secrets[key] = secret
	}
	return &Keyed{secrets: secrets}, nil
}

func (g *Keyed) Resolve(authorization string) (string, error) {
	key, ok := strings.CutPrefix(authorization, bearerPrefix)
	if !ok || key == "" {
		return "", ErrForbidden
	}
	secret, ok := g.secrets[key]
	if !ok {
		return "", ErrForbidden
	}
	return secret, nil
}
