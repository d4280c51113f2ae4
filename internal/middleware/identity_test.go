package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/auth"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubVerifier struct {
	id  auth.Identity
	err error
}

func (s *stubVerifier) Verify(string) (auth.Identity, error) {
	return s.id, s.err
}

// okHandler writes 200 and the caller's user id.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id, ok := IdentityFromCtx(r.Context()); ok {
		w.Write([]byte(id.UserID.String()))
	}
})

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAuthenticate_ValidToken(t *testing.T) {
	id := auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}
	mw := Authenticate(&stubVerifier{id: id})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != id.UserID.String() {
		t.Errorf("expected user id %q in body, got %q", id.UserID, body)
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	mw := Authenticate(&stubVerifier{})(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	mw := Authenticate(&stubVerifier{err: errors.New("expired")})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name string
		id   *auth.Identity
		want int
	}{
		{"admin", &auth.Identity{UserID: uuid.New(), Role: auth.RoleAdmin}, http.StatusOK},
		{"worker", &auth.Identity{UserID: uuid.New(), Role: auth.RoleWorker}, http.StatusForbidden},
		{"anonymous", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), *tc.id))
			}
			rec := httptest.NewRecorder()
			RequireRole(auth.RoleAdmin)(okHandler).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
