//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

func setSockOptBuffers(fd uintptr, size int) {
	windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, size)
	windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, size)
}

// setSockOptDSCP на Windows IP_TOS игнорируется без QoS политики,
// но выставляется для совместимости
func setSockOptDSCP(fd uintptr, dscp int) {
	windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, dscp<<2)
}
