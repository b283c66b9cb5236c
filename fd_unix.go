//go:build linux

package fiberio

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a raw file descriptor.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD reads from a raw, non-blocking file descriptor.
func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// writeFD writes to a raw, non-blocking file descriptor.
func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

// setNonblock sets or clears O_NONBLOCK on fd. It does not record the fd's
// prior nonblocking state.
func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}
