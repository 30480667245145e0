//go:build unix

package netconn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sendBufferSize reads SO_SNDBUF from the socket.
func sendBufferSize(c syscall.Conn) int {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0
	}

	size := 0
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		size, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil || sockErr != nil {
		return 0
	}
	return size
}
