package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/starfederation/datastar-go/datastar"

	"github.com/msomdec/user-admin/internal/domain"
	"github.com/msomdec/user-admin/internal/service"
	"github.com/msomdec/user-admin/internal/view"
)

// Notice codes carried in the ?notice= query of the home page after a
// redirect.
const (
	noticeEmailSync    = "email_sync"
	noticeDeleteFailed = "delete_failed"
	noticeRetryOK      = "retry_ok"
	noticeRetryFailed  = "retry_failed"
)

var notices = map[string]string{
	noticeEmailSync:    "User saved, but the sign-in email could not be updated yet. The change will be retried.",
	noticeDeleteFailed: "The user could not be deleted. Please try again.",
	noticeRetryOK:      "The change was applied.",
	noticeRetryFailed:  "Retry failed. The change is still pending.",
}

// UserHandler handles the user list and the create/edit form.
type UserHandler struct {
	users        *service.UserService
	cookieSecure bool
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users *service.UserService, cookieSecure bool) *UserHandler {
	return &UserHandler{users: users, cookieSecure: cookieSecure}
}

// HandleHome renders the list with an empty create form.
// GET /
func (h *UserHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	h.renderHome(w, r, http.StatusOK, view.FormState{})
}

// HandleEdit renders the list with the form bound to one record.
// GET /users/{id}/edit
func (h *UserHandler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("get user", "user_id", id, "error", err)
		}
		renderError(w, r, http.StatusNotFound, "User not found.")
		return
	}
	h.renderHome(w, r, http.StatusOK, view.FormState{
		EditingID: user.ID,
		Values:    service.FormFromUser(user),
	})
}

// HandleCreate creates a user from the form.
// POST /users
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	form := readUserForm(r)
	state := view.FormState{Values: form}

	in, err := service.NewUserInput(form)
	if err == nil {
		_, err = h.users.Create(r.Context(), in)
	}
	if err != nil {
		status, verrs, msg := formFailure(err, "create user")
		state.Errors = verrs
		state.Message = msg
		h.renderHome(w, r, status, state)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleUpdate saves the edit form. A failed email sync still saves the
// record and is reported as a notice.
// POST /users/{id}
func (h *UserHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	form := readUserForm(r)
	state := view.FormState{EditingID: id, Values: form}

	current, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("get user", "user_id", id, "error", err)
		}
		renderError(w, r, http.StatusNotFound, "User not found.")
		return
	}

	upd, err := service.NewUserUpdate(form, current)
	if err == nil {
		_, err = h.users.Update(r.Context(), id, upd)
	}
	if err != nil {
		if errors.Is(err, domain.ErrSideEffect) {
			slog.Warn("update user email sync", "user_id", id, "error", err)
			redirectHome(w, r, noticeEmailSync)
			return
		}
		status, verrs, msg := formFailure(err, "update user")
		state.Errors = verrs
		state.Message = msg
		h.renderHome(w, r, status, state)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDelete deletes a user. Deleting the signed-in identity ends the
// session and returns the browser to the login page.
// POST /users/{id}/delete
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := SessionFromContext(r.Context())

	err := h.users.Delete(r.Context(), id, actor)
	if err != nil {
		slog.Error("delete user", "user_id", id, "error", err)
	}
	if service.IsSelf(actor, id) {
		clearSessionCookie(w, h.cookieSecure)
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	if err != nil {
		redirectHome(w, r, noticeDeleteFailed)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleValidate validates the form signals as the user types and patches
// the error slots and the canSubmit signal.
// POST /users/validate
func (h *UserHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var signals view.FormSignals
	if err := datastar.ReadSignals(r, &signals); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	verrs := service.ValidateUser(signals.Form(), !signals.Editing)

	sse := datastar.NewSSE(w, r)
	for _, field := range []string{service.FieldName, service.FieldEmail, service.FieldPassword, service.FieldAge, service.FieldNumber} {
		if field == service.FieldPassword && signals.Editing {
			continue
		}
		if err := sse.PatchElementTempl(view.FieldError(field, verrs[field])); err != nil {
			slog.Error("patch field error", "field", field, "error", err)
			return
		}
	}
	if err := sse.MarshalAndPatchSignals(map[string]any{"canSubmit": len(verrs) == 0}); err != nil {
		slog.Error("patch signals", "error", err)
	}
}

// HandleRetrySync retries one pending sync issue.
// POST /sync-issues/{id}/retry
func (h *UserHandler) HandleRetrySync(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.users.Reconcile(r.Context(), id); err != nil {
		slog.Error("retry sync issue", "issue_id", id, "error", err)
		redirectHome(w, r, noticeRetryFailed)
		return
	}
	redirectHome(w, r, noticeRetryOK)
}

func (h *UserHandler) renderHome(w http.ResponseWriter, r *http.Request, status int, form view.FormState) {
	sess := SessionFromContext(r.Context())
	form.CanSubmit = len(service.ValidateUser(form.Values, !form.Editing())) == 0
	data := view.HomeData{
		Form:   form,
		Notice: notices[r.URL.Query().Get("notice")],
	}
	if sess != nil {
		data.SignedInEmail = sess.Email
		data.SelfID = sess.UserID
	}

	users, err := h.users.List(r.Context())
	if err != nil {
		slog.Error("list users", "error", err)
		data.ListError = "Could not load users."
	}
	data.Users = users

	issues, err := h.users.PendingSyncIssues(r.Context())
	if err != nil {
		slog.Error("list sync issues", "error", err)
	}
	data.Issues = issues

	render(w, r, status, view.HomePage(data))
}

// formFailure maps a create or update error to a status and what the form
// shows.
func formFailure(err error, op string) (int, map[string]string, string) {
	var verrs service.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity, verrs, ""
	case errors.Is(err, domain.ErrAuth):
		slog.Warn(op, "error", err)
		return http.StatusUnprocessableEntity, nil, "The sign-in account could not be created. The email may already be registered."
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, nil, "User not found."
	case errors.Is(err, domain.ErrData):
		slog.Error(op, "error", err)
		return http.StatusBadGateway, nil, "The user could not be saved. The email may already be in use."
	}
	slog.Error(op, "error", err)
	return http.StatusInternalServerError, nil, "An unexpected error occurred. Please try again."
}

func readUserForm(r *http.Request) domain.UserForm {
	return domain.UserForm{
		Name:     r.PostFormValue(service.FieldName),
		Email:    r.PostFormValue(service.FieldEmail),
		Password: r.PostFormValue(service.FieldPassword),
		Age:      r.PostFormValue(service.FieldAge),
		Number:   r.PostFormValue(service.FieldNumber),
	}
}

func redirectHome(w http.ResponseWriter, r *http.Request, notice string) {
	http.Redirect(w, r, "/?notice="+url.QueryEscape(notice), http.StatusSeeOther)
}
