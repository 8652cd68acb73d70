// Package auth gates the signaling WebSocket behind an optional shared key.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/lan-intercom/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(mode config.AuthMode, apiKey string) (Verifier, error) {
	switch mode {
	case config.AuthModeNone:
		return openVerifier{}, nil
	case config.AuthModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("auth mode %q requires an api key", mode)
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

type openVerifier struct{}

func (openVerifier) Verify(string) error { return nil }

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" {
		return ErrMissingCredentials
	}
	if v.Expected == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest extracts the key presented on a WebSocket upgrade.
// Browsers cannot set headers on upgrades, so the apiKey query parameter is
// checked first; native clients may use X-API-Key or a bearer token.
func CredentialFromRequest(r *http.Request) string {
	if v := r.URL.Query().Get("apiKey"); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// SetCredential attaches apiKey to an outgoing upgrade request header.
func SetCredential(h http.Header, apiKey string) {
	if apiKey != "" {
		h.Set("X-API-Key", apiKey)
	}
}
