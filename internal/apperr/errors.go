// Package apperr defines the error kinds shared by the generation pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig   = errors.New("config error")
	ErrProvider = errors.New("provider error")
	ErrParse    = errors.New("parse error")
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid input")

	// ErrNoImageData is reported by image adapters whose response carried no image.
	// It is always wrapped in a provider error.
	ErrNoImageData = errors.New("no image data in response")
)

// Error carries a kind sentinel plus an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Configf(format string, args ...any) error {
	return &Error{Kind: ErrConfig, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

func Invalidf(format string, args ...any) error {
	return &Error{Kind: ErrInvalid, Msg: fmt.Sprintf(format, args...)}
}

func Parsef(format string, args ...any) error {
	return &Error{Kind: ErrParse, Msg: fmt.Sprintf(format, args...)}
}

// Provider wraps a transport or response failure from an external backend.
func Provider(msg string, err error) error {
	return &Error{Kind: ErrProvider, Msg: msg, Err: err}
}

func Providerf(format string, args ...any) error {
	return &Error{Kind: ErrProvider, Msg: fmt.Sprintf(format, args...)}
}

// NoImageData reports a response without any usable image payload.
func NoImageData(detail string) error {
	return &Error{Kind: ErrProvider, Msg: detail, Err: ErrNoImageData}
}
