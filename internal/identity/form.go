package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Form is what the visitor submits to start a human conversation.
type Form struct {
	Name    string `json:"name" validate:"required,max=80"`
	Contact string `json:"contact" validate:"required,max=128,email|e164"`
}

// ValidationError lists the invalid form fields with a message each.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "identity: invalid form: " + strings.Join(parts, "; ")
}

var validate = validator.New()

// phoneReplacer strips the punctuation people type into phone numbers.
var phoneReplacer = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// Normalize trims the name and contact. Contacts without an @ are treated as
// phone numbers and lose their punctuation.
func (f Form) Normalize() Form {
	f.Name = strings.TrimSpace(f.Name)
	f.Contact = strings.TrimSpace(f.Contact)
	if f.Contact != "" && !strings.Contains(f.Contact, "@") {
		f.Contact = phoneReplacer.Replace(f.Contact)
	}
	return f
}

// ValidateForm normalizes f and checks it. Problems are returned as a
// *ValidationError.
func ValidateForm(f Form) (Form, error) {
	f = f.Normalize()
	err := validate.Struct(f)
	if err == nil {
		return f, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return f, fmt.Errorf("identity: validate form: %w", err)
	}
	ve := &ValidationError{Fields: make(map[string]string)}
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if _, seen := ve.Fields[field]; seen {
			continue
		}
		ve.Fields[field] = fieldMessage(fe)
	}
	return f, ve
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "email|e164":
		return "must be an email address or an international phone number"
	}
	return "is invalid"
}
