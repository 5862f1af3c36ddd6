package memory

import (
	"errors"
	"fmt"

	"github.com/xiy/agent-memstore/internal/config"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrEntryNotFound = errors.New("entry not found")
	ErrMemoryLimit   = errors.New("memory limit reached")
	ErrQuery         = errors.New("query error")
	ErrConfig        = config.ErrInvalid
	ErrStorage       = errors.New("storage error")
	ErrClosed        = errors.New("memory manager is closed")
	ErrClosing       = errors.New("memory manager is closing")
)

// Error carries the failed operation alongside its kind and cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func storageErr(op string, err error) error {
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}
