// Package warp implements the credential lifecycle against the Warp backend:
// bearer token decoding, quota inspection, anonymous account acquisition and
// the refresh policy that keeps a valid access token in the secrets store.
package warp

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// TokenClaims is the decoded middle segment of a Warp bearer token. Only the
// fields the bridge inspects are modeled; everything else is ignored.
type TokenClaims struct {
	// Exp is the expiration time in unix seconds.
	Exp int64 `json:"exp"`
	// Email identifies the account, present on non-anonymous tokens.
	Email string `json:"email"`
	// UserID is the Warp user identifier.
	UserID string `json:"user_id"`
}

// ParseTokenClaims decodes the payload of a three-segment bearer token
// without verifying its signature. Decoding never fails loudly: any malformed
// input yields nil.
func ParseTokenClaims(token string) *TokenClaims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64URLDecode(parts[1])
	if err != nil {
		log.Debugf("error decoding token payload: %v", err)
		return nil
	}
	var claims TokenClaims
	if err = json.Unmarshal(payload, &claims); err != nil {
		log.Debugf("error parsing token claims: %v", err)
		return nil
	}
	return &claims
}

// IsTokenExpired reports whether token expires within buffer from now.
// Undecodable tokens and tokens without an exp claim count as expired.
func IsTokenExpired(token string, buffer time.Duration) bool {
	claims := ParseTokenClaims(token)
	if claims == nil || claims.Exp == 0 {
		return true
	}
	return time.Until(time.Unix(claims.Exp, 0)) <= buffer
}

// base64URLDecode decodes a Base64 URL-encoded string, re-adding the padding
// that token segments omit.
func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}
