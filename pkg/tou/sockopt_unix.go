//go:build unix

package tou

import (
	"net"

	"golang.org/x/sys/unix"
)

// setReceiveBuffer sizes the kernel's socket receive buffer to roughly
// match the advertised window, so the kernel doesn't start dropping
// datagrams before the reassembler's own window logic ever sees them
// under a burst of arrivals.
func setReceiveBuffer(conn *net.UDPConn, windowSize uint32) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, int(windowSize))
	}); err != nil {
		return err
	}
	return setErr
}
