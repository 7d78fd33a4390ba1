//go:build linux

package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the edge-triggered (EPOLLET) Poller backend. Every watched
// fd always has EPOLLIN|EPOLLRDHUP|EPOLLERR set; EPOLLOUT is toggled on
// Add/Modify depending on whether the connection currently has unsent data,
// matching the handler's "final readiness request" rule in the design.
type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

func newPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("server: epoll_create1: %w", err)
	}

	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, 256)}, nil
}

func (p *epollPoller) mask(watchWrite bool) uint32 {
	m := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLET)
	if watchWrite {
		m |= unix.EPOLLOUT
	}

	return m
}

func (p *epollPoller) Add(fd int, watchWrite bool) error {
	ev := unix.EpollEvent{Events: p.mask(watchWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("server: epoll_ctl add fd=%d: %w", fd, err)
	}

	return nil
}

func (p *epollPoller) Modify(fd int, watchWrite bool) error {
	ev := unix.EpollEvent{Events: p.mask(watchWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("server: epoll_ctl mod fd=%d: %w", fd, err)
	}

	return nil
}

func (p *epollPoller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("server: epoll_ctl del fd=%d: %w", fd, err)
	}

	return nil
}

func (p *epollPoller) Wait(timeoutMs int) ([]Event, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, fmt.Errorf("server: epoll_wait: %w", err)
	}

	out := make([]Event, 0, n)

	for i := 0; i < n; i++ {
		raw := p.events[i]
		out = append(out, Event{
			FD:       int(raw.Fd),
			Readable: raw.Events&unix.EPOLLIN != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Err:      raw.Events&unix.EPOLLERR != 0,
			Hup:      raw.Events&unix.EPOLLHUP != 0,
			RdHup:    raw.Events&unix.EPOLLRDHUP != 0,
		})
	}

	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

// NewPoller returns the Linux epoll-backed Poller.
func NewPoller() (Poller, error) {
	return newPoller()
}
