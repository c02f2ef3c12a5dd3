package model

import "errors"

// ValidationError reports a malformed request or schema. It is the only
// error the extraction engine returns to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: field " + e.Field + ": " + e.Reason
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
