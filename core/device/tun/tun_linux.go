//go:build linux

package tun

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type TUN struct {
	fd   *os.File
	mtu  uint32
	name string
}

func openPlatform(name string, mtu uint32) (*TUN, error) {
	t := &TUN{name: name, mtu: mtu}

	if len(t.name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("interface name too long: %s", t.name)
	}

	fd, err := openNativeTun(t.name)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	t.fd = fd

	if t.mtu > 0 {
		if err := setMTU(t.name, t.mtu); err != nil {
			t.fd.Close()
			return nil, fmt.Errorf("set mtu: %w", err)
		}
	}

	return t, nil
}

func openNativeTun(name string) (*os.File, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(ifr)),
	)
	if errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", errno)
	}

	// a non-blocking descriptor lets the runtime poller honor deadlines.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return os.NewFile(uintptr(fd), "/dev/net/tun"), nil
}

func setMTU(name string, n uint32) error {
	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC,
		0,
	)
	if err != nil {
		return err
	}

	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint32(n)
	return unix.IoctlIfreq(fd, unix.SIOCSIFMTU, ifr)
}

func (t *TUN) Name() string {
	return t.name
}

func (t *TUN) Read(buf []byte) (int, error) {
	return t.fd.Read(buf)
}

// ReadContext reads one packet, giving up when ctx ends.
func (t *TUN) ReadContext(ctx context.Context, buf []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		t.fd.SetReadDeadline(time.Unix(1, 0))
	})
	n, err := t.fd.Read(buf)
	if !stop() {
		t.fd.SetReadDeadline(time.Time{})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n, ctxErr
		}
	}
	return n, err
}

func (t *TUN) Write(buf []byte) (int, error) {
	return t.fd.Write(buf)
}

func (t *TUN) Close() error {
	return t.fd.Close()
}

func (t *TUN) MTU() int {
	return int(t.mtu)
}
