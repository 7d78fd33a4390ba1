//go:build linux

package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// listen creates a non-blocking IPv4 TCP listening socket bound to port on
// all interfaces, with SO_REUSEADDR set so a restarted process can rebind
// immediately.
func listen(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("server: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}

	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("server: bind port %d: %w", port, err)
	}

	const backlog = 1024
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("server: listen: %w", err)
	}

	return fd, nil
}

// acceptAll drains every pending connection on listenFD (required under
// edge-triggered readiness, which only signals once per batch of
// arrivals), invoking onAccept for each. It stops at EAGAIN.
func acceptAll(listenFD int, onAccept func(fd int)) error {
	for {
		fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}

			if err == unix.ECONNABORTED || err == unix.EINTR {
				continue
			}

			return fmt.Errorf("server: accept4: %w", err)
		}

		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		onAccept(fd)
	}
}
