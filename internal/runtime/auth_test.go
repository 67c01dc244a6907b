package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSecret = []byte("test-secret")

func doAuthed(t *testing.T, token string, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestAuthMiddlewareAcceptsSignedToken(t *testing.T) {
	token, err := SignJWT("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := EchoAuthMiddleware(testSecret)(func(c echo.Context) error {
		called = true
		if got := c.Get("user_id"); got != "user-1" {
			t.Errorf("user_id = %v", got)
		}
		if sub, ok := SubjectFromContext(c.Request().Context()); !ok || sub != "user-1" {
			t.Errorf("subject from context = %q, %v", sub, ok)
		}
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestAuthMiddlewareRejectsMissingAndInvalidTokens(t *testing.T) {
	rec := doAuthed(t, "", EchoAuthMiddleware(testSecret))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d", rec.Code)
	}

	wrong, err := SignJWT("user-1", []byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec = doAuthed(t, wrong, EchoAuthMiddleware(testSecret))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: got %d", rec.Code)
	}

	expired, err := SignJWT("user-1", testSecret, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rec = doAuthed(t, expired, EchoAuthMiddleware(testSecret))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: got %d", rec.Code)
	}
}

func TestAuthMiddlewareReadsCookie(t *testing.T) {
	token, err := SignJWT("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: token})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := EchoAuthMiddleware(testSecret)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("cookie auth: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie auth: got %d", rec.Code)
	}
}

func TestRequireScopes(t *testing.T) {
	adminToken, err := SignJWT("admin-1", testSecret, time.Hour, ScopeAdmin)
	if err != nil {
		t.Fatal(err)
	}
	plainToken, err := SignJWT("user-1", testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	rec := doAuthed(t, adminToken, EchoAuthMiddleware(testSecret), RequireScopes(ScopeAdmin))
	if rec.Code != http.StatusOK {
		t.Errorf("admin scope: got %d", rec.Code)
	}

	rec = doAuthed(t, plainToken, EchoAuthMiddleware(testSecret), RequireScopes(ScopeAdmin))
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing scope: got %d", rec.Code)
	}
}

func TestExtractScopes(t *testing.T) {
	cases := []struct {
		claims jwt.MapClaims
		want   int
	}{
		{jwt.MapClaims{"scopes": []interface{}{"admin", " ops "}}, 2},
		{jwt.MapClaims{"scopes": "admin ops"}, 2},
		{jwt.MapClaims{"scopes": 42}, 0},
		{jwt.MapClaims{}, 0},
	}
	for _, tc := range cases {
		if got := extractScopes(tc.claims); len(got) != tc.want {
			t.Errorf("extractScopes(%v) = %v, want %d entries", tc.claims, got, tc.want)
		}
	}
}
