package tcp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveSockaddr turns a host:port pair into a unix.Sockaddr plus the
// socket family to create, working against raw unix sockaddrs since the
// engine drives epoll directly rather than net.Conn.
func resolveSockaddr(host string, port int) (unix.Sockaddr, int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving %q: %w", host, err)
		}
		ip = resolved.IP
	}

	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)
		return &unix.SockaddrInet4{Port: port, Addr: addr}, unix.AF_INET, nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return nil, 0, fmt.Errorf("unrecognized address %q", host)
	}
	var addr [16]byte
	copy(addr[:], v6)
	return &unix.SockaddrInet6{Port: port, Addr: addr}, unix.AF_INET6, nil
}

// newNonblockingSocket creates a TCP socket of the given family, already
// marked non-blocking.
func newNonblockingSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// boundPortOf reads back the port a listening socket was bound to,
// resolving the ephemeral port the kernel picks when configured with 0.
func boundPortOf(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return addr.Port, nil
	case *unix.SockaddrInet6:
		return addr.Port, nil
	default:
		return 0, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

// isWouldBlock reports whether err is the non-blocking "no data/space right
// now" sentinel.
func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// baseEpollEvents returns the mask the engine always subscribes: read
// interest plus error/hangup, with write interest added when requested.
func baseEpollEvents(wantWrite, readPaused bool) uint32 {
	ev := uint32(unix.EPOLLERR | unix.EPOLLRDHUP | unix.EPOLLHUP)
	if !readPaused {
		ev |= unix.EPOLLIN
	}
	if wantWrite {
		ev |= unix.EPOLLOUT
	}
	return ev
}
