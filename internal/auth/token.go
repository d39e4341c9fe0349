// Package auth signs and verifies the HS256 bearer tokens that carry the
// requester identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var b64 = base64.RawURLEncoding

var (
	// ErrInvalidToken covers malformed tokens and signature mismatches.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired indicates the exp claim has passed.
	ErrTokenExpired = errors.New("token expired")
)

var header = mustEncode(map[string]string{"alg": "HS256", "typ": "JWT"})

// Claims is the subset of JWT claims the service relies on.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// Sign produces a compact HS256 token.
func Sign(claims Claims, secret []byte) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := header + "." + b64.EncodeToString(body)
	return unsigned + "." + b64.EncodeToString(signature(unsigned, secret)), nil
}

// Verify checks the signature and expiry of token at now.
func Verify(token string, secret []byte, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}
	if parts[0] != header {
		var h struct {
			Alg string `json:"alg"`
		}
		raw, err := b64.DecodeString(parts[0])
		if err != nil || json.Unmarshal(raw, &h) != nil || h.Alg != "HS256" {
			return Claims{}, ErrInvalidToken
		}
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, signature(parts[0]+"."+parts[1], secret)) {
		return Claims{}, ErrInvalidToken
	}
	payload, err := b64.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && !now.Before(time.Unix(claims.ExpiresAt, 0)) {
		return Claims{}, ErrTokenExpired
	}
	return claims, nil
}

func signature(unsigned string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unsigned))
	return mac.Sum(nil)
}

func mustEncode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b64.EncodeToString(raw)
}
