// Package kerr provides the POSIX-flavored error taxonomy shared by every
// rvcore component, so that surfacing an internal error to a syscall return
// value is a single negation.
package kerr

import (
	"fmt"
	"runtime"
)

// Errno is a POSIX-style error number. Negative Errno values are never
// stored; the sign flip happens only at the syscall boundary.
type Errno int

const (
	EAGAIN     Errno = 11
	ENOMEM     Errno = 12
	EACCES     Errno = 13
	EEXIST     Errno = 17
	ENOTDIR    Errno = 20
	EISDIR     Errno = 21
	EINVAL     Errno = 22
	ENOSYS     Errno = 38
	ENOENT     Errno = 2
	EIO        Errno = 5
	EPERM      Errno = 1
	ESPIPE     Errno = 29
	ETIMEDOUT  Errno = 110
	EINTR      Errno = 4
	EOPNOTSUPP Errno = 95
)

func (e Errno) String() string {
	switch e {
	case EAGAIN:
		return "EAGAIN"
	case ENOMEM:
		return "ENOMEM"
	case EACCES:
		return "EACCES"
	case EEXIST:
		return "EEXIST"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case EINVAL:
		return "EINVAL"
	case ENOSYS:
		return "ENOSYS"
	case ENOENT:
		return "ENOENT"
	case EIO:
		return "EIO"
	case EPERM:
		return "EPERM"
	case ESPIPE:
		return "ESPIPE"
	case ETIMEDOUT:
		return "ETIMEDOUT"
	case EINTR:
		return "EINTR"
	case EOPNOTSUPP:
		return "EOPNOTSUPP"
	default:
		return fmt.Sprintf("errno(%d)", int(e))
	}
}

// KernelError wraps an Errno with the component that raised it, a free-form
// message, and the caller that constructed it, mirroring the teacher's
// StandardError (category + code + message + caller).
type KernelError struct {
	Component string
	Code      Errno
	Message   string
	Caller    string
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (at %s)", e.Component, e.Code, e.Message, e.Caller)
}

// Errno unwraps to the underlying POSIX code, satisfying errors.As-style
// extraction for callers that only care about the numeric classification.
func (e *KernelError) Errno() Errno { return e.Code }

// Negated returns the syscall ABI return convention: negative errno.
func (e *KernelError) Negated() int64 { return -int64(e.Code) }

func newErr(component string, code Errno, format string, args ...interface{}) *KernelError {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(2); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &KernelError{
		Component: component,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Caller:    caller,
	}
}

// New builds a KernelError tagged with the given component, for components
// that need an error class this package does not name a constructor for.
func New(component string, code Errno, format string, args ...interface{}) *KernelError {
	caller := "unknown"
	if pc, _, _, ok := runtime.Caller(1); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &KernelError{Component: component, Code: code, Message: fmt.Sprintf(format, args...), Caller: caller}
}

// Common constructors used throughout rvcore.

func NoMemory(component, context string) *KernelError {
	return newErr(component, ENOMEM, "out of memory: %s", context)
}

func BadArgument(component, context string) *KernelError {
	return newErr(component, EINVAL, "bad argument: %s", context)
}

func NotFound(component, context string) *KernelError {
	return newErr(component, ENOENT, "not found: %s", context)
}

func Exists(component, context string) *KernelError {
	return newErr(component, EEXIST, "already exists: %s", context)
}

func NotSupported(component, context string) *KernelError {
	return newErr(component, ENOSYS, "not supported: %s", context)
}

func Denied(component, context string) *KernelError {
	return newErr(component, EACCES, "permission denied: %s", context)
}

func IOFailure(component, context string) *KernelError {
	return newErr(component, EIO, "i/o failure: %s", context)
}

func TimedOut(component, context string) *KernelError {
	return newErr(component, ETIMEDOUT, "timed out: %s", context)
}

func Interrupted(component, context string) *KernelError {
	return newErr(component, EINTR, "interrupted: %s", context)
}
