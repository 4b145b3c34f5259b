//go:build darwin

package rtp

import (
	"golang.org/x/sys/unix"
)

func setSockOptBuffers(fd uintptr, size int) {
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

// setSockOptDSCP устанавливает DSCP маркировку (macOS)
func setSockOptDSCP(fd uintptr, dscp int) {
	unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}
