// Package socket wraps the raw, non-blocking syscalls the event loop
// needs: UDP bind, non-blocking TCP dial/connect-completion, and epoll
// registration. Built on golang.org/x/sys/unix for SO_REUSEADDR, the
// non-blocking connect/SO_ERROR probe, and epoll, because net.Conn has
// no way to expose a pending connect's completion status or to
// participate in a caller-driven epoll set.
package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ListenUDP creates a non-blocking UDP socket bound to ip:port.
func ListenUDP(ip net.IP, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	v4 := ip.To4()
	if v4 == nil {
		unix.Close(fd)
		return -1, fmt.Errorf("not an IPv4 address: %s", ip)
	}
	copy(sa.Addr[:], v4)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	return fd, nil
}

// DialTCPNonblocking creates a non-blocking TCP socket, sets SO_REUSEADDR,
// and issues a non-blocking connect to addr:port. A nil error with
// inProgress true means the connect is under way and completion must be
// probed via ConnectError once the socket becomes writable. This mirrors
// peer_connect in the original ttdnsd.c.
func DialTCPNonblocking(addr [4]byte, port int) (fd int, inProgress bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, fmt.Errorf("set nonblock: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}
	unix.Close(fd)
	return -1, false, err
}

// ConnectError reads the socket-level pending error (SO_ERROR) of a
// non-blocking connect once the fd has signalled writable. A nil return
// means the connect succeeded.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Addr is a bare IPv4 endpoint, used instead of net.UDPAddr since the
// event loop talks to raw socket fds via recvfrom/sendto, not net.PacketConn.
type Addr struct {
	IP   [4]byte
	Port int
}

// RecvFromUDP performs one non-blocking recvfrom on fd into buf.
func RecvFromUDP(fd int, buf []byte) (n int, from Addr, err error) {
	nn, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, Addr{}, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nn, Addr{}, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return nn, Addr{IP: sa4.Addr, Port: sa4.Port}, nil
}

// SendToUDP performs one non-blocking sendto on fd.
func SendToUDP(fd int, buf []byte, to Addr) error {
	sa := &unix.SockaddrInet4{Port: to.Port, Addr: to.IP}
	return unix.Sendto(fd, buf, 0, sa)
}

// Epoll is a thin wrapper around epoll_create1/epoll_ctl/epoll_wait: the
// readiness primitive realizing the event loop's single suspension point
// (SPEC_FULL.md §4.4/§4.8, C9).
type Epoll struct {
	fd int
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Epoll{fd: fd}, nil
}

func (e *Epoll) Close() error {
	return unix.Close(e.fd)
}

// Add registers fd for the given event mask, tagged with fd itself,
// which is retrievable from the returned event's Fd field.
func (e *Epoll) Add(fd int, events uint32) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Modify changes the registered event mask for fd.
func (e *Epoll) Modify(fd int, events uint32) error {
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Remove deregisters fd. Safe to call on an fd already closed by the
// kernel (EBADF is swallowed), matching the usual close-before-remove
// ordering in the peer state machine.
func (e *Epoll) Remove(fd int) error {
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF {
		return nil
	}
	return err
}

// Wait blocks in epoll_wait with no timeout (spec.md §4.4 step 2) until at
// least one fd is ready, filling events and returning the count.
func (e *Epoll) Wait(events []unix.EpollEvent) (int, error) {
	return unix.EpollWait(e.fd, events, -1)
}

const (
	EventRead  = unix.EPOLLIN | unix.EPOLLPRI
	EventWrite = unix.EPOLLOUT | unix.EPOLLERR
)

// NewEventFD creates a non-blocking eventfd(2), used as the shutdown
// wake-up registered alongside the UDP and peer fds in the epoll set —
// the standard way to fold an external stop signal into a single
// epoll_wait-based event loop without resorting to a timeout.
func NewEventFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

// SignalEventFD wakes up a listener blocked in epoll_wait on fd.
func SignalEventFD(fd int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	return err
}
