// Package auth authenticates ingest requests: field devices present bearer
// tokens, browsers log in through OIDC and can then enroll devices.
package auth

import (
	"errors"
	"net/http"
	"time"

	baseliboidc "github.com/aggregat4/go-baselib-services/v4/oidc"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang/glog"
)

type contextKey string

const (
	userIDContextKey contextKey = "auth.user_id"
)

type Config struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	SessionKey     string
	SessionTTL     time.Duration
	CookieSecure   bool
	CookieSameSite http.SameSite
	CookieDomain   string
	FallbackURL    string
}

// Manager runs the OIDC browser login on top of cookie Sessions.
type Manager struct {
	*Sessions

	oidcConfig  *baseliboidc.OidcConfiguration
	fallbackURL string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oidc issuer, client id, and redirect url are required")
	}
	s, err := NewSessions(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Sessions:    s,
		oidcConfig:  baseliboidc.CreateOidcConfiguration(cfg.IssuerURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL),
		fallbackURL: cfg.FallbackURL,
	}, nil
}

func (m *Manager) OIDCMiddleware(skipper func(r *http.Request) bool) func(http.Handler) http.Handler {
	return m.oidcConfig.CreateOidcAuthenticationMiddleware(m.IsAuthenticated, skipper)
}

func (m *Manager) CallbackHandler() http.Handler {
	delegate := baseliboidc.CreateSTDSessionBasedOidcDelegate(m.handleIDToken, m.fallbackURL)
	return m.oidcConfig.CreateOidcCallbackHandler(delegate)
}

// LoginHandler is reached once the OIDC middleware has established a
// session; it sends the browser on to the enrollment page.
func (m *Manager) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		target := m.fallbackURL
		if target == "" {
			target = "/"
		}
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (m *Manager) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		m.Logout(w, r)
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (m *Manager) handleIDToken(w http.ResponseWriter, r *http.Request, idToken *oidc.IDToken) error {
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}
	if claims.Subject == "" {
		return errors.New("id token missing sub claim")
	}
	glog.Infof("oidc login user=%s", claims.Subject)
	return m.Login(w, r, claims.Subject)
}
