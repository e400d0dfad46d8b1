package tou

import (
	"io"
	"net"
)

// HostConnection is a Connection accepted by a Host: it does not own
// a socket of its own. Outgoing segments go out through the host's
// shared socket addressed to this peer; incoming datagrams are handed
// to it by the host's single demultiplexing goroutine. This is the
// non-owning side of the capability interface: a HostConnection must
// never outlive the Host it points back to without deregistering,
// which is why construction always wires an afterDisconnect hook that
// removes it from the host's table.
type HostConnection struct {
	*Connection
	host  *Host
	addr  *net.UDPAddr
	inbox chan []byte
}

// pushRaw hands one raw datagram, already routed to this peer by the
// host, to this connection's own ioLoop for decoding. Like Connection
// itself, it is best-effort: a saturated inbox simply drops the
// datagram, relying on the sender's retransmission timer.
func (hc *HostConnection) pushRaw(raw []byte) {
	select {
	case hc.inbox <- raw:
	default:
	}
}

func (hc *HostConnection) rawSend(buf []byte) error {
	_, err := hc.host.conn.WriteToUDP(buf, hc.addr)
	return err
}

func (hc *HostConnection) rawRecv() ([]byte, error) {
	raw, ok := <-hc.inbox
	if !ok {
		return nil, io.EOF
	}
	return raw, nil
}

// closeRaw does not touch the host's shared socket; it only closes
// this connection's private inbox so a blocked rawRecv wakes up.
func (hc *HostConnection) closeRaw() error {
	defer func() { recover() }() // inbox may already be closed by a racing teardown
	close(hc.inbox)
	return nil
}
