// Package session mints and verifies the opaque identifiers behind the
// px_session_id cookie. The signed form is sid.base64url(HMAC-SHA256),
// so the proxy can trust a returning cookie without any server lookup.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// CookieName is the session cookie the proxy sets on mirror responses.
const CookieName = "px_session_id"

// cookieMaxAge is 30 days in seconds.
const cookieMaxAge = 30 * 24 * 60 * 60

// Codec signs and verifies session identifiers with a process-wide
// secret. Rotating the secret invalidates all existing sessions.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Generate returns a fresh random 128-bit identifier, hex encoded.
func (c *Codec) Generate() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// Sign produces the wire form carried in the cookie.
func (c *Codec) Sign(sid string) string {
	return sid + "." + c.mac(sid)
}

// Verify checks a signed value and returns the raw sid, or "" when the
// value is malformed or the signature does not match. Comparison is
// constant time.
func (c *Codec) Verify(signed string) string {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 || i == len(signed)-1 {
		return ""
	}
	sid, sig := signed[:i], signed[i+1:]
	if !hmac.Equal([]byte(sig), []byte(c.mac(sid))) {
		return ""
	}
	return sid
}

func (c *Codec) mac(sid string) string {
	m := hmac.New(sha256.New, c.secret)
	m.Write([]byte(sid))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// Cookie builds the Set-Cookie payload for a signed session value.
func Cookie(signed string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
