package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/starfederation/datastar-go/datastar"
	"github.com/unrolled/secure"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/service"
	"github.com/msomdec/user-admin/internal/view"
)

// SessionCookie holds the opaque session key in the browser.
const SessionCookie = "admin_session"

type contextKey string

const sessionContextKey contextKey = "session"

// SessionFromContext extracts the session of the signed-in browser.
// Returns nil if the request is not authenticated.
func SessionFromContext(ctx context.Context) *domain.Session {
	sess, _ := ctx.Value(sessionContextKey).(*domain.Session)
	return sess
}

// RequireSession protects routes that need a signed-in browser. It loads
// the session named by the cookie, refreshing it if needed, and injects it
// into the request context. Browsers without a session are sent to /login.
func RequireSession(sessions *service.SessionManager, cookieSecure bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key string
		if cookie, err := r.Cookie(SessionCookie); err == nil {
			key = cookie.Value
		}

		sess, err := sessions.Current(r.Context(), key)
		if errors.Is(err, domain.ErrUnavailable) {
			slog.Warn("refresh session", "error", err)
			renderError(w, r, http.StatusServiceUnavailable, "Sign-in is unavailable right now. Please try again.")
			return
		}
		if err != nil && !errors.Is(err, domain.ErrAuth) {
			slog.Error("load session", "error", err)
			renderError(w, r, http.StatusInternalServerError, "An unexpected error occurred. Please try again.")
			return
		}
		if sess == nil {
			if key != "" {
				clearSessionCookie(w, cookieSecure)
			}
			redirectToLogin(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// redirectToLogin navigates the browser to the login page. Datastar
// requests expect an event stream, so they get a redirect event instead.
func redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if isDatastarRequest(r) {
		sse := datastar.NewSSE(w, r)
		if err := sse.Redirect("/login"); err != nil {
			slog.Error("redirect to login", "error", err)
		}
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func isDatastarRequest(r *http.Request) bool {
	return r.Header.Get("Datastar-Request") == "true"
}

func setSessionCookie(w http.ResponseWriter, key string, ttl time.Duration, secure bool) {
	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    key,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// SecurityHeaders sets the response security headers. The policy allows
// the Datastar bundle and the expression evaluation it relies on.
func SecurityHeaders() func(http.Handler) http.Handler {
	sm := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'; " +
			"script-src 'self' 'unsafe-eval' https://cdn.jsdelivr.net; " +
			"style-src 'self' 'unsafe-inline'; connect-src 'self'; frame-ancestors 'none'",
		STSSeconds:           31536000,
		STSIncludeSubdomains: true,
	})
	return sm.Handler
}

// LoginRateLimit throttles sign-in attempts per client IP.
func LoginRateLimit(perMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.Warn("login rate limited", "request_id", middleware.GetReqID(r.Context()))
			render(w, r, http.StatusTooManyRequests, view.LoginPage(r.PostFormValue("email"), "Too many sign-in attempts. Try again in a minute."))
		}),
	)
}

// chain applies middlewares so the first one listed runs first.
func chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
