//go:build !linux && !windows && !darwin

package tun

import (
	"errors"
	"runtime"
)

type TUN struct{}

func openPlatform(string, uint32) (*TUN, error) {
	return nil, errors.New("tun: not supported on " + runtime.GOOS)
}

func (*TUN) Name() string              { return "" }
func (*TUN) Read([]byte) (int, error)  { return 0, errors.ErrUnsupported }
func (*TUN) Write([]byte) (int, error) { return 0, errors.ErrUnsupported }
func (*TUN) Close() error              { return nil }
func (*TUN) MTU() int                  { return 0 }
