// Package auth issues and verifies the signed credentials used across the
// dispatcher. All kinds share one validation contract; each surface enforces
// the kind it accepts.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCredentialInvalid is returned for malformed or tampered credentials.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrCredentialExpired is returned for well-formed credentials past their
	// expiry.
	ErrCredentialExpired = errors.New("credential expired")
)

// CredentialKind tags what a credential is good for. A DESKTOP credential
// never grants owner API access and vice versa.
type CredentialKind string

const (
	// CredentialAccess authenticates an owner's API session.
	CredentialAccess CredentialKind = "ACCESS"
	// CredentialRefresh can only be traded for a fresh ACCESS credential.
	CredentialRefresh CredentialKind = "REFRESH"
	// CredentialDesktop authenticates a paired desktop agent connection.
	CredentialDesktop CredentialKind = "DESKTOP"
	// CredentialExchange is the short-lived pairing form, minted when an
	// exchange token needs to travel as a signed credential.
	CredentialExchange CredentialKind = "EXCHANGE"
)

// Claims is the signed payload of a credential.
type Claims struct {
	Subject   string         `json:"sub"`
	Kind      CredentialKind `json:"kind"`
	DeviceID  string         `json:"device_id,omitempty"`
	IssuedAt  int64          `json:"iat"`
	ExpiresAt int64          `json:"exp"`
}

// Issuer signs and verifies credentials.
type Issuer interface {
	Issue(subject string, kind CredentialKind, deviceID string, ttl time.Duration) (string, *Claims, error)
	// Verify checks signature and expiry and returns the claims. Kind
	// enforcement is the caller's job: each surface knows which kind it
	// accepts.
	Verify(credential string) (*Claims, error)
}

// HMACIssuer signs claims with HMAC-SHA256. Credentials are
// base64url(payload) + "." + base64url(signature).
type HMACIssuer struct {
	secret  []byte
	nowFunc func() time.Time
}

func NewHMACIssuer(secret string) (*HMACIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	return &HMACIssuer{
		secret:  []byte(secret),
		nowFunc: time.Now,
	}, nil
}

func (i *HMACIssuer) Issue(subject string, kind CredentialKind, deviceID string, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, errors.New("credential subject must not be empty")
	}

	now := i.nowFunc()
	claims := &Claims{
		Subject:   subject,
		Kind:      kind,
		DeviceID:  deviceID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", nil, fmt.Errorf("marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	signature := i.sign(encoded)
	return encoded + "." + signature, claims, nil
}

func (i *HMACIssuer) Verify(credential string) (*Claims, error) {
	payload, signature, found := strings.Cut(credential, ".")
	if !found || payload == "" || signature == "" {
		return nil, ErrCredentialInvalid
	}

	expected := i.sign(payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrCredentialInvalid
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrCredentialInvalid
	}

	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrCredentialInvalid
	}
	if claims.Subject == "" {
		return nil, ErrCredentialInvalid
	}
	if i.nowFunc().Unix() >= claims.ExpiresAt {
		return nil, ErrCredentialExpired
	}

	return &claims, nil
}

func (i *HMACIssuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
