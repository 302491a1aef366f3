package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName carries the signed session token. The session id itself is
// opaque; the JWT wrapper only guards against forged cookies.
const CookieName = "session_id"

const cookieMaxAge = 30 * 24 * time.Hour

type cookieClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SignToken wraps a session id in a signed token suitable for the
// session cookie.
func SignToken(secret []byte, sessionID string) (string, error) {
	now := time.Now()
	claims := &cookieClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cookieMaxAge)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyToken validates a signed cookie value and returns the session id.
func VerifyToken(secret []byte, tokenStr string) (string, error) {
	claims := &cookieClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.SessionID == "" {
		return "", errors.New("invalid session token")
	}
	return claims.SessionID, nil
}

// SetCookie attaches the signed session cookie to a response.
func SetCookie(w http.ResponseWriter, secret []byte, sessionID string, secure bool) error {
	signed, err := SignToken(secret, sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		MaxAge:   int(cookieMaxAge.Seconds()),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// FromRequest extracts and verifies the session id from the request cookie.
func FromRequest(r *http.Request, secret []byte) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	id, err := VerifyToken(secret, c.Value)
	if err != nil {
		return "", false
	}
	return id, true
}
