package admin

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName holds the signed admin session token.
const SessionCookieName = "admin_session"

const sessionTTL = 24 * time.Hour

// sessionClaims are the JWT claims carried by the admin cookie.
type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func issueToken(secret, username string, now time.Time) (string, error) {
	claims := sessionClaims{
		Role: "superadmin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// verifyToken returns the username for a valid token, or "" otherwise.
func verifyToken(secret, raw string) string {
	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return ""
	}
	claims, ok := token.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return ""
	}
	return claims.Subject
}

func sessionCookie(token string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
