// Package apperr defines the two failure kinds WelcomeBot reports to the user.
// Input errors come from bad arguments or unreadable image sources; library
// errors come from the face recognition library and are passed through as-is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure.
type Kind string

const (
	KindInput   Kind = "INPUT"
	KindLibrary Kind = "LIBRARY"
)

// InputError reports a problem with what the caller supplied.
type InputError struct {
	Message string
	Err     error
}

func (e *InputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// LibraryError wraps a failure raised by the recognition library.
// Its message is the library's message, unchanged.
type LibraryError struct {
	Op  string
	Err error
}

func (e *LibraryError) Error() string {
	return e.Err.Error()
}

func (e *LibraryError) Unwrap() error {
	return e.Err
}

// Input creates an InputError with a formatted message.
func Input(format string, args ...interface{}) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// WrapInput creates an InputError that carries an underlying cause.
func WrapInput(err error, format string, args ...interface{}) error {
	return &InputError{Message: fmt.Sprintf(format, args...), Err: err}
}

// Library wraps err as a LibraryError. A nil err stays nil and an error that
// already carries a kind is returned untouched.
func Library(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &LibraryError{Op: op, Err: err}
}

// KindOf returns the kind of err, or "" if it carries none.
func KindOf(err error) Kind {
	var inErr *InputError
	if errors.As(err, &inErr) {
		return KindInput
	}
	var libErr *LibraryError
	if errors.As(err, &libErr) {
		return KindLibrary
	}
	return ""
}

// IsInput reports whether err is (or wraps) an InputError.
func IsInput(err error) bool {
	return KindOf(err) == KindInput
}

// IsLibrary reports whether err is (or wraps) a LibraryError.
func IsLibrary(err error) bool {
	return KindOf(err) == KindLibrary
}
