package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tokens, err := NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	return tokens
}

func TestIssueAndVerify(t *testing.T) {
	tokens := newTestTokens(t)
	token, err := tokens.Issue("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.ClientID != "device-1" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tokens := newTestTokens(t)
	issuedAt := time.Now().Add(-2 * time.Hour)
	tokens.now = func() time.Time { return issuedAt }
	token, err := tokens.Issue("user-1", "device-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tokens.now = time.Now
	if _, err := tokens.Verify(token); err == nil {
		t.Fatalf("expired token should be rejected")
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	other, err := NewTokens(strings.Repeat("x", 32), time.Hour)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	token, err := other.Issue("user-1", "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := newTestTokens(t).Verify(token); err == nil {
		t.Fatalf("token signed with another secret should be rejected")
	}
}

func TestNewTokensRequiresLongSecret(t *testing.T) {
	if _, err := NewTokens("short", time.Hour); err == nil {
		t.Fatalf("short secret should be rejected")
	}
}

func TestBearerMiddleware(t *testing.T) {
	tokens := newTestTokens(t)
	handler := tokens.BearerMiddleware(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		_, _ = w.Write([]byte(userID))
	})))
	token, err := tokens.Issue("user-7", "device-7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + token, http.StatusOK, "user-7"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
		{"basic", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/deltas/pull", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status: got %d", rec.Code)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body: got %q", rec.Body.String())
			}
		})
	}
}

func TestDevUserMiddleware(t *testing.T) {
	handler := DevUserMiddleware("")(RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFromContext(r.Context())
		_, _ = w.Write([]byte(userID))
	})))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Body.String() != "dev-user" {
		t.Fatalf("user: got %q", rec.Body.String())
	}
}

func TestParseSessionKey(t *testing.T) {
	generated, err := parseSessionKey("")
	if err != nil || len(generated) != 32 {
		t.Fatalf("generated key: len=%d err=%v", len(generated), err)
	}
	raw := strings.Repeat("k-", 20)
	key, err := parseSessionKey(raw)
	if err != nil || string(key) != raw {
		t.Fatalf("raw key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("b", 32)))
	key, err = parseSessionKey(encoded)
	if err != nil || len(key) != 32 {
		t.Fatalf("base64 key: %v", err)
	}
	if _, err := parseSessionKey("too-short"); err == nil {
		t.Fatalf("short key should be rejected")
	}
}

func TestNewManagerRequiresOIDCConfig(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatalf("missing oidc config should be rejected")
	}
}
