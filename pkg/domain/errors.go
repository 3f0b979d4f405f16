package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the taxonomy used to report pipeline failures.
type ErrorKind string

// Error kinds. Fatal kinds move a run to Failed; the rest are accumulated.
const (
	KindInvalidInput            ErrorKind = "InvalidInput"
	KindUnrecognizedLabel       ErrorKind = "UnrecognizedLabel"
	KindInvalidValue            ErrorKind = "InvalidValue"
	KindAmbiguousReferenceRange ErrorKind = "AmbiguousReferenceRange"
	KindUpstreamTimeout         ErrorKind = "UpstreamTimeout"
	KindUpstreamUnavailable     ErrorKind = "UpstreamUnavailable"
	KindUnitMismatch            ErrorKind = "UnitMismatch"
	KindCanceled                ErrorKind = "Canceled"
)

// Fatal reports whether an error of this kind halts the run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindUnrecognizedLabel, KindInvalidValue, KindUnitMismatch:
		return false
	default:
		return true
	}
}

// Retryable reports whether the surrounding resilience layer may retry the run.
func (k ErrorKind) Retryable() bool {
	return k == KindUpstreamTimeout || k == KindUpstreamUnavailable
}

// Error is the typed error returned by pipeline stages. Message and Context must
// never carry patient data such as raw labels or values.
type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]string
	Err     error
}

// NewError builds an Error with optional context pairs given as key, value, key, value.
func NewError(kind ErrorKind, msg string, kv ...string) *Error {
	e := &Error{Kind: kind, Message: msg}
	if len(kv) > 1 {
		e.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Context[kv[i]] = kv[i+1]
		}
	}
	return e
}

// Wrap attaches an underlying cause to e and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Record converts e to its serializable, scrubbed form. The wrapped cause is
// dropped because third-party messages may echo input content.
func (e *Error) Record() ErrorRecord {
	rec := ErrorRecord{Kind: e.Kind, Message: e.Message}
	if len(e.Context) > 0 {
		rec.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			rec.Context[k] = v
		}
	}
	return rec
}

// KindOf extracts the kind of err, or "" when err is not a pipeline error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrorRecord is the serializable error entry carried in pipeline output.
type ErrorRecord struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}
