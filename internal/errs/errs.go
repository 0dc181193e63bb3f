// Package errs defines the error categories shared by every adap component.
package errs

import "errors"

// Error categories. Component sentinels unwrap to exactly one of these.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrIntegrity     = errors.New("integrity error")
	ErrNotFound      = errors.New("not found")
	ErrTransientIO   = errors.New("transient io error")
)

// Kind names reported to callers.
const (
	KindConfiguration = "configuration"
	KindIntegrity     = "integrity"
	KindNotFound      = "not_found"
	KindTransientIO   = "transient_io"
	KindInternal      = "internal"
)

type kindError struct {
	category error
	msg      string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.category }

// New returns a sentinel error that matches both itself and category
// under errors.Is.
func New(category error, msg string) error {
	return &kindError{category: category, msg: msg}
}

// KindOf reports the category name of err, or KindInternal when err does
// not belong to any category.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransientIO):
		return KindTransientIO
	default:
		return KindInternal
	}
}
