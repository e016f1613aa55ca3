package engine

import "fmt"

// ValidationError marks malformed input rejected before any mutation.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// RuleError is a business-rule violation with a stable machine-readable code.
type RuleError struct {
	Code string
	Msg  string
}

func (e RuleError) Error() string { return e.Msg }

func rulef(code, format string, args ...any) error {
	return RuleError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// ConflictError marks an integrity conflict (duplicate vote, duplicate
// match); callers recover by re-querying current state.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

func conflictf(format string, args ...any) error {
	return ConflictError{Msg: fmt.Sprintf(format, args...)}
}
