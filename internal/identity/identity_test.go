package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewAnonID(t *testing.T) {
	a, b := NewAnonID(), NewAnonID()
	if !anonIDPattern.MatchString(a) {
		t.Errorf("NewAnonID() = %q, does not match the expected shape", a)
	}
	if a == b {
		t.Error("two minted ids must differ")
	}
}

func identityProbe(userID, sessionID *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*userID = UserIDFromContext(r.Context())
		*sessionID = SessionIDFromContext(r.Context())
	})
}

func TestMiddlewareMintsCookie(t *testing.T) {
	var userID, sessionID string
	h := Middleware(false)(identityProbe(&userID, &sessionID))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !anonIDPattern.MatchString(userID) {
		t.Errorf("context user id = %q, want a minted anon id", userID)
	}
	if sessionID != DefaultSessionIDValue {
		t.Errorf("session id = %q, want %q", sessionID, DefaultSessionIDValue)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName {
		t.Fatalf("cookies = %v, want one %s cookie", cookies, AnonCookieName)
	}
	c := cookies[0]
	if c.Value != userID {
		t.Errorf("cookie value %q differs from context user id %q", c.Value, userID)
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes = %+v, want HttpOnly Lax", c)
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	var userID, sessionID string
	h := Middleware(false)(identityProbe(&userID, &sessionID))

	existing := NewAnonID()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if userID != existing {
		t.Errorf("user id = %q, want the existing cookie %q", userID, existing)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("a valid cookie must not be reissued")
	}
}

func TestMiddlewareReplacesInvalidCookie(t *testing.T) {
	var userID, sessionID string
	h := Middleware(false)(identityProbe(&userID, &sessionID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "not-an-anon-id"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if userID == "not-an-anon-id" || !anonIDPattern.MatchString(userID) {
		t.Errorf("user id = %q, invalid cookie must be replaced", userID)
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Error("a replacement cookie must be set")
	}
}

func TestMiddlewareSessionID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"from header", "tab-abc", "", "tab-abc"},
		{"from query when no header", "", "tab-q", "tab-q"},
		{"header wins over query", "tab-h", "tab-q", "tab-h"},
		{"missing falls back", "", "", DefaultSessionIDValue},
		{"invalid falls back", "bad session!", "", DefaultSessionIDValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var userID, sessionID string
			h := Middleware(false)(identityProbe(&userID, &sessionID))

			target := "/"
			if tt.query != "" {
				target = "/?session=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(SessionHeaderName, tt.header)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if sessionID != tt.want {
				t.Errorf("session id = %q, want %q", sessionID, tt.want)
			}
		})
	}
}
