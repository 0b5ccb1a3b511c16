package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. The orchestrator decides between retrying and failing a job on the kind alone.
type ErrorKind string

const (
	ErrorKindConfig           ErrorKind = "config_error"
	ErrorKindSource           ErrorKind = "source_error"
	ErrorKindDestination      ErrorKind = "destination_error"
	ErrorKindCodec            ErrorKind = "codec_error"
	ErrorKindLoadVerification ErrorKind = "load_verification_error"
)

// Retryable reports whether failures of this kind are transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindSource, ErrorKindDestination:
		return true
	default:
		return false
	}
}

var (
	ErrDataSourceNotFound = errors.New("data source not found")
	ErrImportJobNotFound  = errors.New("import job not found")
	ErrJobNotRunning      = errors.New("import job is not running")
)

// Error is a pipeline failure tagged with its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func ConfigError(op string, err error) error      { return newError(ErrorKindConfig, op, err) }
func SourceError(op string, err error) error      { return newError(ErrorKindSource, op, err) }
func DestinationError(op string, err error) error { return newError(ErrorKindDestination, op, err) }
func CodecError(op string, err error) error       { return newError(ErrorKindCodec, op, err) }

func LoadVerificationError(op string, err error) error {
	return newError(ErrorKindLoadVerification, op, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether err should be retried. Untagged errors are not.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}
