// Package auth issues and verifies the compact HMAC-signed bearer tokens
// used for API and websocket authentication.
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
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Claims carry the authenticated identity. Roles are per-space memberships
// and are resolved at request time, never embedded in the token.
type Claims struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
	JTI      string `json:"jti"`
	IssuedAt int64  `json:"iat"`
	Exp      int64  `json:"exp"`
}

// Codec signs and verifies tokens of the form
// base64url(claims) + "." + base64url(hmac-sha256).
type Codec struct {
	secret []byte
}

func NewCodec(secret []byte) Codec {
	return Codec{secret: secret}
}

func (c Codec) Issue(claims Claims) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(encoded)
	return payload + "." + c.sign(payload), nil
}

// Parse verifies the signature before trusting anything in the payload,
// then checks shape and expiry.
func (c Codec) Parse(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(c.sign(payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Username == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if time.Now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (c Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HashToken derives the storage key for a refresh token so the raw value
// never reaches redis.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
