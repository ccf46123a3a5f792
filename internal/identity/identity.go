// Package identity provides anonymous per-device identity primitives.
//
// There are no accounts and nothing is stored server-side: a device is
// identified by a random cookie, and each browser tab carries its own
// session header. The pair keys run controllers, nothing more.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"regexp"
	"time"
)

const (
	// AnonCookieName holds the per-device anonymous identifier.
	AnonCookieName = "deck_anon_id"
	// SessionHeaderName carries the per-tab session identifier.
	SessionHeaderName = "X-Deck-Session-ID"
	// DefaultSessionIDValue is used when a client sends no session header.
	DefaultSessionIDValue = "default"

	anonCookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	sessionIDKey
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserIDFromContext extracts the anonymous user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// NewAnonID mints a fresh anonymous device identifier.
func NewAnonID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("identity: rand.Read: " + err.Error())
	}
	return "anon_" + hex.EncodeToString(buf)
}

// Middleware resolves or mints the anonymous identity for every request
// and places (userID, sessionID) in the request context. Invalid cookie
// values are replaced rather than rejected.
func Middleware(secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := ""
			if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
				userID = c.Value
			}
			if userID == "" {
				userID = NewAnonID()
				http.SetCookie(w, &http.Cookie{
					Name:     AnonCookieName,
					Value:    userID,
					Path:     "/",
					MaxAge:   int(anonCookieMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   secureCookies,
					SameSite: http.SameSiteLaxMode,
				})
			}

			sessionID := r.Header.Get(SessionHeaderName)
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session")
			}
			if !sessionIDPattern.MatchString(sessionID) {
				sessionID = DefaultSessionIDValue
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			ctx = context.WithValue(ctx, sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
