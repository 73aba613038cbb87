// Package validation holds request field checks used by the relay, struct
// tag validation for configuration, and the field-data verification rules
// run against entities before they leave the device.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/fieldsync/internal/types"
)

// ValidationError is one field that failed a request check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends err if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors reports whether anything was collected.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns the collected errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired fails empty or whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateMaxLength fails values longer than max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateNoNullBytes fails values containing NUL.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateEntityKind fails unknown entity kinds.
func ValidateEntityKind(field, value string) *ValidationError {
	if types.EntityKind(value).Valid() {
		return nil
	}
	allowed := make([]string, len(types.EntityKinds))
	for i, k := range types.EntityKinds {
		allowed[i] = string(k)
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateEntityID checks an entity id taken from a path or body.
func ValidateEntityID(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, 256)
}
