//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

func setSockOptBuffers(fd uintptr, size int) {
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}

// setSockOptDSCP устанавливает DSCP маркировку и приоритет сокета (Linux)
func setSockOptDSCP(fd uintptr, dscp int) {
	// DSCP находится в старших 6 битах TOS
	tos := dscp << 2
	unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	if dscp == DSCPExpeditedForwarding {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	}
}
