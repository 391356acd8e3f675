package ipstack

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeErrno(t *testing.T) {
	tests := []struct {
		code  Code
		errno syscall.Errno
	}{
		{ErrRefused, syscall.ECONNREFUSED},
		{ErrRst, syscall.ECONNRESET},
		{ErrAbrt, syscall.ECONNABORTED},
		{ErrUse, syscall.EADDRINUSE},
		{ErrConn, syscall.ENOTCONN},
		{ErrWouldBlock, syscall.EWOULDBLOCK},
		{ErrInProgress, syscall.EINPROGRESS},
	}
	for _, tt := range tests {
		t.Run(tt.code.Error(), func(t *testing.T) {
			assert.Equal(t, tt.errno, tt.code.Errno())
			err := fmt.Errorf("connect: %w", tt.code)
			assert.ErrorIs(t, err, tt.errno)
			assert.ErrorIs(t, err, tt.code)
		})
	}
}

func TestCodeIsDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrRefused, syscall.ECONNRESET))
	assert.False(t, errors.Is(ErrRefused, ErrRst))
	assert.False(t, OK.Is(syscall.Errno(0)))
}

func TestIsWouldBlock(t *testing.T) {
	assert.True(t, IsWouldBlock(ErrWouldBlock))
	assert.True(t, IsWouldBlock(fmt.Errorf("recv: %w", ErrWouldBlock)))
	assert.False(t, IsWouldBlock(ErrConn))
	assert.False(t, IsWouldBlock(nil))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "connection refused", ErrRefused.Error())
	assert.Equal(t, "unknown error", Code(-99).Error())
	assert.Equal(t, "RCVPLUS", RecvPlus.String())
	assert.Equal(t, "raw", Raw.String())
}
