package ipstack

import (
	"errors"
	"syscall"
)

// Code is an engine result code. The zero value is OK and is never
// returned as an error.
type Code int8

const (
	OK            Code = 0
	ErrMem        Code = -1
	ErrBuf        Code = -2
	ErrTimeout    Code = -3
	ErrRte        Code = -4
	ErrInProgress Code = -5
	ErrVal        Code = -6
	ErrWouldBlock Code = -7
	ErrUse        Code = -8
	ErrAlready    Code = -9
	ErrIsConn     Code = -10
	ErrConn       Code = -11
	ErrIf         Code = -12
	ErrAbrt       Code = -13
	ErrRst        Code = -14
	ErrClsd       Code = -15
	ErrArg        Code = -16
	ErrRefused    Code = -17
)

var codeText = map[Code]string{
	OK:            "ok",
	ErrMem:        "out of memory",
	ErrBuf:        "buffer error",
	ErrTimeout:    "timeout",
	ErrRte:        "routing problem",
	ErrInProgress: "operation in progress",
	ErrVal:        "illegal value",
	ErrWouldBlock: "operation would block",
	ErrUse:        "address in use",
	ErrAlready:    "already connecting",
	ErrIsConn:     "already connected",
	ErrConn:       "not connected",
	ErrIf:         "low-level netif error",
	ErrAbrt:       "connection aborted",
	ErrRst:        "connection reset",
	ErrClsd:       "connection closed",
	ErrArg:        "illegal argument",
	ErrRefused:    "connection refused",
}

var codeErrno = map[Code]syscall.Errno{
	ErrMem:        syscall.ENOMEM,
	ErrBuf:        syscall.ENOBUFS,
	ErrTimeout:    syscall.EWOULDBLOCK,
	ErrRte:        syscall.EHOSTUNREACH,
	ErrInProgress: syscall.EINPROGRESS,
	ErrVal:        syscall.EINVAL,
	ErrWouldBlock: syscall.EWOULDBLOCK,
	ErrUse:        syscall.EADDRINUSE,
	ErrAlready:    syscall.EALREADY,
	ErrIsConn:     syscall.EISCONN,
	ErrConn:       syscall.ENOTCONN,
	ErrIf:         syscall.EIO,
	ErrAbrt:       syscall.ECONNABORTED,
	ErrRst:        syscall.ECONNRESET,
	ErrClsd:       syscall.ENOTCONN,
	ErrArg:        syscall.EIO,
	ErrRefused:    syscall.ECONNREFUSED,
}

func (c Code) Error() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "unknown error"
}

// Errno returns the closest system error number.
func (c Code) Errno() syscall.Errno {
	return codeErrno[c]
}

// Is lets errors.Is match a Code against its errno, so callers can test
// for syscall.ECONNREFUSED without knowing the engine.
func (c Code) Is(target error) bool {
	var errno syscall.Errno
	if errors.As(target, &errno) {
		return errno != 0 && c.Errno() == errno
	}
	return false
}

// Temporary reports whether the operation may succeed if retried.
func (c Code) Temporary() bool {
	return c == ErrWouldBlock || c == ErrInProgress
}

// Timeout implements the net.Error convention.
func (c Code) Timeout() bool {
	return c == ErrTimeout
}

// IsWouldBlock reports whether err is the engine's would-block result.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
