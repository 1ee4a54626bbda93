package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/repository/supabase"
	"github.com/msomdec/user-admin/internal/service"
	"github.com/msomdec/user-admin/internal/view"
)

// AuthHandler handles sign-in and sign-out.
type AuthHandler struct {
	sessions     *service.SessionManager
	throttle     *service.AccountThrottle
	validate     *validator.Validate
	sessionTTL   time.Duration
	cookieSecure bool
}

// NewAuthHandler creates a new AuthHandler. throttle may be nil.
func NewAuthHandler(sessions *service.SessionManager, throttle *service.AccountThrottle, sessionTTL time.Duration, cookieSecure bool) *AuthHandler {
	return &AuthHandler{
		sessions:     sessions,
		throttle:     throttle,
		validate:     validator.New(),
		sessionTTL:   sessionTTL,
		cookieSecure: cookieSecure,
	}
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// HandleLoginPage renders the sign-in form, or sends a signed-in browser
// to the home page.
// GET /login
func (h *AuthHandler) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if sess, err := h.sessions.Current(r.Context(), cookie.Value); err == nil && sess != nil {
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}
	}
	render(w, r, http.StatusOK, view.LoginPage("", ""))
}

// HandleLogin signs in with the form credentials and sets the session
// cookie.
// POST /login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	if err := h.validate.Struct(form); err != nil {
		render(w, r, http.StatusUnprocessableEntity, view.LoginPage(form.Email, "Enter a valid email address and your password."))
		return
	}
	if h.throttle != nil && !h.throttle.Allow(form.Email) {
		slog.Warn("account sign-in throttled")
		render(w, r, http.StatusTooManyRequests, view.LoginPage(form.Email, "Too many sign-in attempts for this account. Try again in a minute."))
		return
	}

	result, err := h.sessions.SignIn(r.Context(), form.Email, form.Password)
	if err != nil {
		status, msg := signInFailure(err)
		if status == http.StatusInternalServerError {
			slog.Error("sign in", "error", err)
		}
		render(w, r, status, view.LoginPage(form.Email, msg))
		return
	}
	if result.User == nil {
		slog.Warn("signed in without user record", "user_id", result.Session.UserID)
	}

	setSessionCookie(w, result.Session.Key, h.sessionTTL, h.cookieSecure)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func signInFailure(err error) (int, string) {
	var apiErr *supabase.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError {
		return http.StatusBadGateway, "Sign-in is unavailable right now. Please try again."
	}
	if errors.Is(err, domain.ErrAuth) {
		return http.StatusUnauthorized, "Invalid email or password."
	}
	return http.StatusInternalServerError, "An unexpected error occurred. Please try again."
}

// HandleLogout ends the session and clears the cookie.
// POST /logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		if err := h.sessions.SignOut(r.Context(), cookie.Value); err != nil {
			slog.Error("sign out", "error", err)
		}
	}
	clearSessionCookie(w, h.cookieSecure)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}
