// Package herr defines the stable error codes returned across the
// storage engine's package boundaries.
package herr

import "fmt"

// Code is a stable, caller-visible error code.
type Code int

const (
	Success Code = iota
	IOError
	FileNotFound
	KeyNotFound
	DuplicateKey
	InvalidParameter
	OutOfMemory
	IntegrityViolated
	LogInvalidFileHeader
	NeedRecovery
	DatabaseNotFound
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case IOError:
		return "io_error"
	case FileNotFound:
		return "file_not_found"
	case KeyNotFound:
		return "key_not_found"
	case DuplicateKey:
		return "duplicate_key"
	case InvalidParameter:
		return "invalid_parameter"
	case OutOfMemory:
		return "out_of_memory"
	case IntegrityViolated:
		return "integrity_violated"
	case LogInvalidFileHeader:
		return "log_invalid_file_header"
	case NeedRecovery:
		return "need_recovery"
	case DatabaseNotFound:
		return "database_not_found"
	default:
		return "unknown_error"
	}
}

// Error wraps a stable Code with an optional underlying cause.
type Error struct {
	Code  Code
	Cause error
}

func New(code Code) *Error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	for err != nil {
		if he, ok := err.(*Error); ok {
			if he.Code == code {
				return true
			}
			err = he.Cause
			continue
		}
		return false
	}
	return false
}
