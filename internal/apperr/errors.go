// Package apperr defines the error kinds shared by the engine, repository and API layers.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthorization    = errors.New("not permitted")
	ErrStaleState       = errors.New("stale state")
	ErrTokenAlreadyUsed = errors.New("token already used")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrNotFound         = errors.New("not found")
	ErrDependency       = errors.New("dependency failure")
)

// Error carries a kind sentinel plus a caller-facing message and optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	// Authorization failures never say why.
	if e.Kind == ErrAuthorization || e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// Forbidden records an internal reason that is not rendered by Error().
func Forbidden(reason string) error {
	return &Error{Kind: ErrAuthorization, Msg: reason}
}

func Stale(format string, args ...any) error {
	return &Error{Kind: ErrStaleState, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Dependency(what string, err error) error {
	return &Error{Kind: ErrDependency, Msg: what, Err: err}
}

// Reason returns the internal message of an apperr.Error, including
// authorization reasons, for logging.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// KindOf returns the first known kind wrapped by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrAuthorization, ErrStaleState, ErrTokenAlreadyUsed,
		ErrTokenExpired, ErrTokenInvalid, ErrNotFound, ErrDependency,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
