//go:build !linux

package dialer

import "syscall"

func setSocketOptions(string, string, syscall.RawConn, *Options) error {
	return nil
}
