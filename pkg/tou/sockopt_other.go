//go:build !unix

package tou

import "net"

// setReceiveBuffer falls back to the portable net.UDPConn buffer
// knob on platforms without an x/sys/unix socket-option surface.
func setReceiveBuffer(conn *net.UDPConn, windowSize uint32) error {
	return conn.SetReadBuffer(int(windowSize))
}
