package mailkit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error so callers can decide whether to retry,
// re-authenticate or give up.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindNetwork
	KindAuthentication
	KindTimeout
	KindBug
	KindNotSupported
	KindNotFound
	KindConfiguration
	KindExternal
	KindValue
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuthentication:
		return "authentication"
	case KindTimeout:
		return "timeout"
	case KindBug:
		return "bug"
	case KindNotSupported:
		return "not supported"
	case KindNotFound:
		return "not found"
	case KindConfiguration:
		return "configuration"
	case KindExternal:
		return "external"
	case KindValue:
		return "invalid value"
	}
	return "error"
}

// Error is the error type returned by backends when the failure has a
// meaningful classification.
type Error struct {
	Kind    ErrorKind
	Summary string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Summary != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Summary, e.Err)
	case e.Summary != "":
		return e.Summary
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error with the same Kind and no
// summary, so errors.Is(err, ErrNotSupported) works for any wrapped message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Summary == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrNotSupported   = &Error{Kind: KindNotSupported}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
)

// Errorf builds an *Error of the given kind. A %w verb in format is honoured.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError classifies err. A nil err yields nil.
func WrapError(kind ErrorKind, summary string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Summary: summary, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// NotSupported is returned by backends for operations they cannot perform.
func NotSupported(backend, op string) error {
	return &Error{Kind: KindNotSupported, Summary: fmt.Sprintf("%s: %s is not supported", backend, op)}
}
