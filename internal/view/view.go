// Package view renders the HTML pages and Datastar fragments of the admin UI.
// Components are written in .templ files; run `templ generate` after editing
// them.
package view

import (
	"strconv"

	"github.com/a-h/templ"

	"github.com/msomdec/user-admin/internal/domain"
)

// HomeData is everything the home page shows.
type HomeData struct {
	// SignedInEmail is the email of the session owner.
	SignedInEmail string
	// SelfID is the identity id of the session owner.
	SelfID string
	Form   FormState
	Users  []domain.User
	// ListError is set when the list could not be loaded, which is shown
	// differently from an empty list.
	ListError string
	Issues    []domain.SyncIssue
	// Notice is a non-fatal message shown above the form, such as a saved
	// record whose email sync failed.
	Notice string
}

// FormState is what the user form needs to render: the record being edited
// (empty when creating), the submitted values and their errors.
type FormState struct {
	EditingID string
	Values    domain.UserForm
	Errors    map[string]string
	// Message is a form-level error, such as a failed remote call.
	Message string
	// CanSubmit seeds the canSubmit signal. It should hold whether Values
	// pass validation so an empty create form starts disabled.
	CanSubmit bool
}

// Editing reports whether the form is bound to an existing record.
func (s FormState) Editing() bool {
	return s.EditingID != ""
}

// FormSignals are the Datastar signals of the user form. Live validation
// posts them back as JSON.
type FormSignals struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Age       string `json:"age"`
	Number    string `json:"number"`
	Editing   bool   `json:"editing"`
	CanSubmit bool   `json:"canSubmit"`
}

// Form returns the raw form values carried by the signals.
func (s FormSignals) Form() domain.UserForm {
	return domain.UserForm{
		Name:     s.Name,
		Email:    s.Email,
		Password: s.Password,
		Age:      s.Age,
		Number:   s.Number,
	}
}

type formField struct {
	name, label, kind, autocomplete string
}

var formFields = []formField{
	{"name", "Name", "text", "name"},
	{"email", "Email", "email", "email"},
	{"password", "Password", "password", "new-password"},
	{"age", "Age", "text", "off"},
	{"number", "Phone number", "tel", "tel"},
}

// FieldErrorID is the element id of a field's error slot.
func FieldErrorID(field string) string {
	return "error-" + field
}

func fieldValue(form domain.UserForm, field string) string {
	switch field {
	case "name":
		return form.Name
	case "email":
		return form.Email
	case "age":
		return form.Age
	case "number":
		return form.Number
	}
	return ""
}

func formAction(state FormState) string {
	if state.Editing() {
		return "/users/" + state.EditingID
	}
	return "/users"
}

// formSignals is the data-signals value of the form. The password is never
// echoed back.
func formSignals(state FormState) (string, error) {
	return templ.JSONString(FormSignals{
		Name:      state.Values.Name,
		Email:     state.Values.Email,
		Age:       state.Values.Age,
		Number:    state.Values.Number,
		Editing:   state.Editing(),
		CanSubmit: state.CanSubmit && len(state.Errors) == 0,
	})
}

// confirmDelete is the submit handler of a row's delete form. The prompt is
// a JSON string literal so names containing quotes stay inside it.
func confirmDelete(name string, self bool) (string, error) {
	msg := "Delete " + name + "?"
	if self {
		msg = "Delete your own account? You will be signed out."
	}
	prompt, err := templ.JSONString(msg)
	if err != nil {
		return "", err
	}
	return "confirm(" + prompt + ") || evt.preventDefault()", nil
}

func issueSummary(is domain.SyncIssue) string {
	attempts := strconv.Itoa(is.Attempts) + " attempt"
	if is.Attempts != 1 {
		attempts += "s"
	}
	switch is.Kind {
	case domain.SyncEmail:
		return "Email change to " + is.Email + " not applied to sign-in (" + attempts + ")"
	case domain.SyncOrphanedIdentity:
		return "Sign-in account for " + is.Email + " has no user record (" + attempts + ")"
	}
	return string(is.Kind) + " for " + is.UserID
}
