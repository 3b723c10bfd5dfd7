package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/gorilla/sessions"
)

const (
	sessionUserKey   = "user_id"
	sessionClientKey = "client_id"
)

// Session is what a browser login remembers: the user and the device id it
// last enrolled.
type Session struct {
	UserID   string
	ClientID string
}

// Sessions keeps logins in encrypted cookies.
type Sessions struct {
	store   *sessions.CookieStore
	options *sessions.Options
}

func NewSessions(cfg Config) (*Sessions, error) {
	masterKey, err := parseSessionKey(cfg.SessionKey)
	if err != nil {
		return nil, err
	}
	hashKey, blockKey := deriveCookieKeys(masterKey)
	store := sessions.NewCookieStore(hashKey, blockKey)
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * 24 * time.Hour
	}
	if cfg.CookieSameSite == 0 {
		cfg.CookieSameSite = http.SameSiteLaxMode
	}
	options := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: cfg.CookieSameSite,
		Domain:   cfg.CookieDomain,
	}
	store.Options = options
	store.MaxAge(options.MaxAge)
	return &Sessions{store: store, options: options}, nil
}

// Login starts a session for userID. A device id bound by an earlier login
// of another user is dropped.
func (s *Sessions) Login(w http.ResponseWriter, r *http.Request, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	if previous, _ := session.Values[sessionUserKey].(string); previous != userID {
		delete(session.Values, sessionClientKey)
	}
	session.Options = cloneOptions(s.options)
	session.Values[sessionUserKey] = userID
	return session.Save(r, w)
}

// BindClient remembers the device id enrolled from this session.
func (s *Sessions) BindClient(w http.ResponseWriter, r *http.Request, clientID string) error {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return err
	}
	session.Options = cloneOptions(s.options)
	session.Values[sessionClientKey] = clientID
	return session.Save(r, w)
}

func (s *Sessions) Logout(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return
	}
	session.Options = cloneOptions(s.options)
	session.Options.MaxAge = -1
	_ = session.Save(r, w)
}

// Current returns the session of r, if it carries a logged-in user.
func (s *Sessions) Current(r *http.Request) (Session, bool) {
	session, err := s.store.Get(r, baseliboidc.STDSessionCookieName)
	if err != nil {
		return Session{}, false
	}
	userID, _ := session.Values[sessionUserKey].(string)
	if userID == "" {
		return Session{}, false
	}
	clientID, _ := session.Values[sessionClientKey].(string)
	return Session{UserID: userID, ClientID: clientID}, true
}

func (s *Sessions) IsAuthenticated(r *http.Request) bool {
	_, ok := s.Current(r)
	return ok
}

// WithUser puts the session user into the request context.
func (s *Sessions) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if current, ok := s.Current(r); ok {
			r = r.WithContext(ContextWithUserID(r.Context(), current.UserID))
		}
		next.ServeHTTP(w, r)
	})
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(userIDContextKey)
	userID, ok := value.(string)
	if !ok || userID == "" {
		return "", false
	}
	return userID, true
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

func DevUserMiddleware(userID string) func(http.Handler) http.Handler {
	if userID == "" {
		userID = "dev-user"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseSessionKey(raw string) ([]byte, error) {
	if raw == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	trimmed := strings.TrimSpace(raw)
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		if len(decoded) < 32 {
			return nil, errors.New("session key must decode to at least 32 bytes")
		}
		return decoded, nil
	}
	if len(trimmed) < 32 {
		return nil, errors.New("session key must be at least 32 characters or base64")
	}
	return []byte(trimmed), nil
}

func deriveCookieKeys(masterKey []byte) ([]byte, []byte) {
	hashKey := hmacSHA256(masterKey, []byte("auth"))
	blockKey := hmacSHA256(masterKey, []byte("enc"))
	return hashKey, blockKey
}

func hmacSHA256(key []byte, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func cloneOptions(opts *sessions.Options) *sessions.Options {
	if opts == nil {
		return &sessions.Options{}
	}
	copy := *opts
	return &copy
}
