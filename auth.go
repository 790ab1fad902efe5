package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrForbidden    = errors.New("not a room owner or member")
)

// RoomAccess answers whether a user may join a room (owner or listed
// member).
type RoomAccess interface {
	Authorize(ctx context.Context, userID, roomID string) error
}

// OpenAccess admits everyone; used when no membership store is configured
// (local development only).
type OpenAccess struct{}

func (OpenAccess) Authorize(context.Context, string, string) error { return nil }

// SessionClaims is the payload of an Ed25519-signed session token issued by
// the session service.
type SessionClaims struct {
	UserID    string `json:"sub"`
	UserName  string `json:"name"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// jwtHeaderB64 is the fixed header for Ed25519-signed tokens.
var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"EdDSA","typ":"JWT"}`))

// SessionVerifier validates session tokens against the session service's
// public key.
type SessionVerifier struct {
	pubKey ed25519.PublicKey
}

func NewSessionVerifier(pubKeyB64 string) (*SessionVerifier, error) {
	key, err := base64.RawURLEncoding.DecodeString(pubKeyB64)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public key size")
	}
	return &SessionVerifier{pubKey: key}, nil
}

// Verify checks the token's signature, expiry and required claims.
func (v *SessionVerifier) Verify(tokenStr string) (*SessionClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}

	if parts[0] != jwtHeaderB64 {
		return nil, errors.New("unsupported token algorithm")
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}

	if !ed25519.Verify(v.pubKey, []byte(signingInput), sig) {
		return nil, errors.New("invalid signature")
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid claims encoding: %w", err)
	}

	var claims SessionClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("invalid claims JSON: %w", err)
	}

	if claims.ExpiresAt > 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("token expired")
	}
	if claims.UserID == "" {
		return nil, errors.New("missing subject")
	}
	if claims.UserName == "" {
		return nil, errors.New("missing name")
	}

	return &claims, nil
}

// SignSessionToken creates a token signed with the session service's private
// key. The service never signs tokens itself; this exists for tests and the
// e2e driver.
func SignSessionToken(claims *SessionClaims, privateKey ed25519.PrivateKey) string {
	claimsJSON, _ := json.Marshal(claims)
	payloadB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signingInput := jwtHeaderB64 + "." + payloadB64
	sig := ed25519.Sign(privateKey, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}
