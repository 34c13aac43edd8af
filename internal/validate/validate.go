// Package validate collects per-field form problems into one error.
package validate

import (
	"fmt"
	"strings"

	"github.com/kuitang/rcprobe/internal/errs"
)

// FieldError is one problem with one form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors aggregates field problems. It carries InvalidArgument.
type Errors struct {
	Fields []FieldError
}

func (e *Errors) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *Errors) ErrCode() errs.Code { return errs.InvalidArgument }

// Add records a problem with field.
func (e *Errors) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Required records the standard message for a missing field.
func (e *Errors) Required(field, label string) {
	e.Add(field, "The field %s is required", label)
}

// For returns the messages recorded for field.
func (e *Errors) For(field string) []string {
	var out []string
	for _, f := range e.Fields {
		if f.Field == field {
			out = append(out, f.Message)
		}
	}
	return out
}

// Err returns e when it holds any problem, nil otherwise.
func (e *Errors) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
