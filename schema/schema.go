// Package schema normalises the heterogeneous validator ecosystem behind one
// operation: validate(raw) -> {value} | {issues}. It is the Go rendering of the
// "small adapter trait" the original specification's design notes call for, and it
// never treats a validation failure as fatal — issues are data, not panics.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// Issue is a single field-level validation failure.
type Issue struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of a successful parse: either a coerced Value, or a
// non-empty list of Issues. A Result without Issues is OK even when its Value
// is nil, as Any returns for an empty payload.
type Result struct {
	Value  any     `json:"value,omitempty"`
	Issues []Issue `json:"issues,omitempty"`
}

// OK reports whether the result carries a usable value (no issues).
func (r Result) OK() bool { return len(r.Issues) == 0 }

// Schema validates and coerces a raw JSON payload. Validate may do synchronous or
// asynchronous work internally; callers must not assume either, so the signature
// takes no context timeout of its own — wrap a Schema if one is needed.
type Schema interface {
	Validate(raw json.RawMessage) (Result, error)
}

// Func adapts a plain function to the Schema interface.
type Func func(raw json.RawMessage) (Result, error)

// Validate implements Schema.
func (f Func) Validate(raw json.RawMessage) (Result, error) { return f(raw) }

// Any accepts any JSON value unchanged. Useful for procedures that intentionally
// skip validation, or for outgoing events whose payload shape is documentation-only.
func Any() Schema {
	return Func(func(raw json.RawMessage) (Result, error) {
		if len(raw) == 0 {
			return Result{Value: nil}, nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return Result{Issues: []Issue{{Message: err.Error()}}}, nil
		}
		return Result{Value: v}, nil
	})
}

// Validatable is implemented by payload types with handwritten validation logic,
// checked in addition to (not instead of) struct-tag validation. This mirrors the
// "validatable" convention used by message-routing libraries in the wider ecosystem.
type Validatable interface {
	Validate() error
}

// defaultValidator is shared across every Typed[T] schema created without an
// explicit *validator.Validate, the same "safe zero value" posture the rest of the
// module uses for unset dependencies.
var defaultValidator = validator.New(validator.WithRequiredStructEnabled())

// Typed builds a Schema for payload type T using struct tags understood by
// github.com/go-playground/validator/v10. If v is nil, a shared default validator
// instance is used. After struct-tag validation passes, if *T (or T) implements
// Validatable, that method is also called and any error becomes an issue.
func Typed[T any](v *validator.Validate) Schema {
	if v == nil {
		v = defaultValidator
	}
	return Func(func(raw json.RawMessage) (Result, error) {
		var value T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				return Result{Issues: []Issue{{Message: fmt.Sprintf("unmarshal: %v", err)}}}, nil
			}
		}

		if err := v.Struct(value); err != nil {
			return Result{Issues: issuesFromValidator(err)}, nil
		}

		if err := validateIfValidatable(&value); err != nil {
			return Result{Issues: []Issue{{Message: err.Error()}}}, nil
		}

		return Result{Value: value}, nil
	})
}

// validateIfValidatable checks both T and *T against Validatable, since a payload
// type may implement the method with either receiver kind.
func validateIfValidatable(ptr any) error {
	if v, ok := ptr.(Validatable); ok {
		return v.Validate()
	}
	elem := reflect.ValueOf(ptr).Elem().Interface()
	if v, ok := elem.(Validatable); ok {
		return v.Validate()
	}
	return nil
}

func issuesFromValidator(err error) []Issue {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []Issue{{Message: err.Error()}}
	}
	issues := make([]Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, Issue{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q", fe.Tag()),
		})
	}
	return issues
}
