// Package turnrest mints short-lived coturn credentials ("use-auth-secret")
// for TURN servers listed without a static username:
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrInvalidSessionID = errors.New("turnrest: session id must be non-empty and must not contain ':'")

type IssuerConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	Now func() time.Time
	// NewSessionID defaults to a random UUID.
	NewSessionID func() string
}

type Issuer struct {
	secret []byte
	ttl    int64
	prefix string
	now    func() time.Time
	newID  func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTLSeconds <= 0:
		return nil, errors.New("turnrest: ttl must be > 0")
	case cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTLSeconds,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
		newID:  cfg.NewSessionID,
	}, nil
}

func (i *Issuer) Issue(sessionID string) (Credentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return Credentials{}, ErrInvalidSessionID
	}
	expiry := i.now().UTC().Unix() + i.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, i.prefix, sessionID)
	return Credentials{
		Username:   username,
		Credential: Sign(i.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// Apply returns a copy of servers where every TURN entry without a username
// carries one freshly minted credential. STUN entries pass through untouched.
func (i *Issuer) Apply(servers []webrtc.ICEServer) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(servers))
	var creds *Credentials
	for idx, s := range servers {
		out[idx] = s
		if s.Username != "" || !isTURN(s.URLs) {
			continue
		}
		if creds == nil {
			c, err := i.Issue(i.newID())
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[idx].Username = creds.Username
		out[idx].Credential = creds.Credential
	}
	return out, nil
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func isTURN(urls []string) bool {
	for _, u := range urls {
		u = strings.ToLower(strings.TrimSpace(u))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
