//go:build linux

package fiberio

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd used to unblock a worker parked in
// epoll_wait, e.g. when a new task is scheduled or a timer is armed with an
// earlier deadline than the one epoll_wait is currently bounded by.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// drainWakeFd consumes a wake eventfd's counter after EPOLLIN fires on it.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// writeWakeFd increments a wake eventfd's counter by one, waking anyone
// blocked in epoll_wait on it. EAGAIN (counter at max) and EINTR are
// expected under concurrent wakeups and are not errors worth surfacing.
func writeWakeFd(fd int) {
	one := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, _ = unix.Write(fd, one[:])
}
