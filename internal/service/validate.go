package service

import (
	"errors"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/unicode/norm"

	"github.com/msomdec/user-admin/internal/domain"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Form field names, as used in ValidationErrors and form inputs.
const (
	FieldName     = "name"
	FieldEmail    = "email"
	FieldPassword = "password"
	FieldAge      = "age"
	FieldNumber   = "number"
)

// ValidationErrors maps a form field to its first failing rule's message.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes every ValidationErrors match domain.ErrValidation.
func (v ValidationErrors) Is(target error) bool {
	return target == domain.ErrValidation
}

// ValidateUser checks a raw form. creating requires a password. It returns
// nil when the form is valid.
func ValidateUser(form domain.UserForm, creating bool) ValidationErrors {
	f := trimForm(form)

	passwordRules := []validation.Rule{}
	if creating {
		passwordRules = append(passwordRules, validation.Required.Error("Password is required"))
	}

	err := validation.ValidateStruct(&f,
		validation.Field(&f.Name,
			validation.Required.Error("Name is required"),
			validation.RuneLength(3, 0).Error("Name must be at least 3 characters"),
		),
		validation.Field(&f.Email,
			validation.Required.Error("Email is required"),
			validation.Match(emailPattern).Error("Invalid email address"),
		),
		validation.Field(&f.Password, passwordRules...),
		validation.Field(&f.Age, validation.By(ageRule)),
		validation.Field(&f.Number, validation.By(numberRule)),
	)
	if err == nil {
		return nil
	}

	out := ValidationErrors{}
	var fieldErrs validation.Errors
	if !errors.As(err, &fieldErrs) {
		out["form"] = err.Error()
		return out
	}
	for field, ferr := range fieldErrs {
		out[field] = ferr.Error()
	}
	return out
}

func ageRule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := parseAge(s); err != nil {
		return err
	}
	return nil
}

var (
	errAgeNumber = errors.New("Age must be a number")
	errAgeMin    = errors.New("Age must be greater than 0")
	errAgeMax    = errors.New("Age cannot be greater than 110")
)

func parseAge(s string) (int, error) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
		return 0, errAgeNumber
	}
	switch {
	case n <= 0:
		return 0, errAgeMin
	case n > 110:
		return 0, errAgeMax
	}
	return int(n), nil
}

func numberRule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if len(phonenumbers.NormalizeDigitsOnly(s)) != 10 {
		return errors.New("Phone number must be 10 digits")
	}
	return nil
}

// trimForm drops surrounding whitespace and composes the name so its length
// counts characters as displayed.
func trimForm(form domain.UserForm) domain.UserForm {
	return domain.UserForm{
		Name:     norm.NFC.String(strings.TrimSpace(form.Name)),
		Email:    strings.TrimSpace(form.Email),
		Password: form.Password,
		Age:      strings.TrimSpace(form.Age),
		Number:   strings.TrimSpace(form.Number),
	}
}

// NewUserInput validates form for creation and converts it.
func NewUserInput(form domain.UserForm) (domain.UserInput, error) {
	if verrs := ValidateUser(form, true); verrs != nil {
		return domain.UserInput{}, verrs
	}
	f := trimForm(form)
	in := domain.UserInput{
		Name:     f.Name,
		Email:    f.Email,
		Password: f.Password,
		Role:     domain.DefaultRole,
	}
	if f.Age != "" {
		age, _ := parseAge(f.Age)
		in.Age = &age
	}
	if f.Number != "" {
		number := f.Number
		in.Number = &number
	}
	return in, nil
}

// NewUserUpdate validates form for editing and converts it into a partial
// update against current. Only fields that differ from current are set;
// emptied optional fields are cleared.
func NewUserUpdate(form domain.UserForm, current *domain.User) (domain.UserUpdate, error) {
	if verrs := ValidateUser(form, false); verrs != nil {
		return domain.UserUpdate{}, verrs
	}
	f := trimForm(form)
	var upd domain.UserUpdate
	if current == nil || f.Name != current.Name {
		name := f.Name
		upd.Name = &name
	}
	if current == nil || f.Email != current.Email {
		email := f.Email
		upd.Email = &email
	}

	switch {
	case f.Age != "":
		age, _ := parseAge(f.Age)
		if current == nil || current.Age == nil || *current.Age != age {
			upd.Age = &age
		}
	case current == nil || current.Age != nil:
		upd.ClearAge = true
	}

	switch {
	case f.Number != "":
		number := f.Number
		if current == nil || current.Number == nil || *current.Number != number {
			upd.Number = &number
		}
	case current == nil || current.Number != nil:
		upd.ClearNumber = true
	}
	return upd, nil
}

// FormFromUser fills a form with a stored record for editing.
func FormFromUser(u *domain.User) domain.UserForm {
	if u == nil {
		return domain.UserForm{}
	}
	form := domain.UserForm{Name: u.Name, Email: u.Email}
	if u.Age != nil {
		form.Age = strconv.Itoa(*u.Age)
	}
	if u.Number != nil {
		form.Number = *u.Number
	}
	return form
}
