// Package errs defines the error taxonomy shared by the ledger, its store
// and the backup pipeline.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindPersistence        Kind = "persistence"
	KindNotFound           Kind = "not_found"
	KindParse              Kind = "parse"
	KindMissingCredentials Kind = "missing_credentials"
	KindBucketList         Kind = "bucket_list"
	KindInvalidKeyInput    Kind = "invalid_key_input"
	KindToken              Kind = "token"
	KindUpload             Kind = "upload"
	KindCleanup            Kind = "cleanup"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinels for errors.Is
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrPersistence        = &Error{Kind: KindPersistence}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrParse              = &Error{Kind: KindParse}
	ErrMissingCredentials = &Error{Kind: KindMissingCredentials}
	ErrBucketList         = &Error{Kind: KindBucketList}
	ErrInvalidKeyInput    = &Error{Kind: KindInvalidKeyInput}
	ErrToken              = &Error{Kind: KindToken}
	ErrUpload             = &Error{Kind: KindUpload}
	ErrCleanup            = &Error{Kind: KindCleanup}
)

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
