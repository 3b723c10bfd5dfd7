package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"

	"fieldsync/internal/auth"
	"fieldsync/internal/httpapi"
	"fieldsync/internal/storage"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	dbPath := os.Getenv("FIELDSYNC_DB")
	if dbPath == "" {
		dbPath = "fieldsync.db"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenSQLite(dbPath)
	if err != nil {
		glog.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		glog.Fatalf("init store: %v", err)
	}

	mux := http.NewServeMux()
	httpapi.NewServer(store).RegisterRoutes(mux)
	handler, err := authenticate(mux)
	if err != nil {
		glog.Fatalf("auth setup: %v", err)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	glog.Infof("server listening on %s db=%s", addr, dbPath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Fatalf("server error: %v", err)
	}
}

// authenticate wires device tokens and, when an issuer is configured, the
// OIDC browser login in front of the routes registered on mux.
func authenticate(mux *http.ServeMux) (http.Handler, error) {
	var handler http.Handler = mux

	if devUser := os.Getenv("FIELDSYNC_DEV_USER"); devUser != "" {
		glog.Warningf("authentication disabled, every request runs as %s", devUser)
		return auth.DevUserMiddleware(devUser)(handler), nil
	}

	var tokens *auth.Tokens
	if secret := os.Getenv("FIELDSYNC_JWT_SECRET"); secret != "" {
		var err error
		tokens, err = auth.NewTokens(secret, 0)
		if err != nil {
			return nil, err
		}
	}

	if issuer := os.Getenv("OIDC_ISSUER_URL"); issuer != "" {
		secure, _ := strconv.ParseBool(os.Getenv("COOKIE_SECURE"))
		manager, err := auth.NewManager(auth.Config{
			IssuerURL:    issuer,
			ClientID:     os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("OIDC_REDIRECT_URL"),
			SessionKey:   os.Getenv("SESSION_KEY"),
			CookieSecure: secure,
		})
		if err != nil {
			return nil, err
		}
		loginOnly := func(r *http.Request) bool { return r.URL.Path != "/auth/login" }
		mux.Handle("/auth/callback", manager.CallbackHandler())
		mux.Handle("/auth/login", manager.OIDCMiddleware(loginOnly)(manager.LoginHandler()))
		mux.Handle("/auth/logout", manager.LogoutHandler())
		if tokens != nil {
			mux.Handle("/auth/token", auth.DeviceTokenHandler(manager.Sessions, tokens))
		}
		handler = manager.WithUser(handler)
		glog.Infof("oidc login enabled issuer=%s", issuer)
	}

	if tokens != nil {
		handler = tokens.BearerMiddleware(handler)
	}
	if tokens == nil && os.Getenv("OIDC_ISSUER_URL") == "" {
		glog.Warningf("no authentication configured, ingest requests will be rejected")
	}
	return handler, nil
}
