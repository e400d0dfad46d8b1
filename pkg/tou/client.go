package tou

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/ambassador-labs/tou/pkg/tou/segment"
)

// Default tuning parameters, used whenever a *Options argument (or one
// of its fields) is left at its zero value.
const (
	DefaultWindowSize     = 4096
	DefaultResendInterval = 100 * time.Millisecond
	DefaultTimeout        = 10 * time.Second
)

// Options tunes a Connection's flow control and timing. A nil
// Options, or any zero field within one, falls back to the Default*
// constants.
type Options struct {
	WindowSize     uint32
	ResendInterval time.Duration
	Timeout        time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		WindowSize:     DefaultWindowSize,
		ResendInterval: DefaultResendInterval,
		Timeout:        DefaultTimeout,
	}
	if o == nil {
		return out
	}
	if o.WindowSize > 0 {
		out.WindowSize = o.WindowSize
	}
	if o.ResendInterval > 0 {
		out.ResendInterval = o.ResendInterval
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	return out
}

// ClientConnection is a Connection that owns its own dedicated,
// connected UDP socket, established via an active-open three-way
// handshake.
type ClientConnection struct {
	*Connection
	conn *net.UDPConn
}

// Dial performs an active open against remoteAddr ("host:port") and,
// on success, returns a live ClientConnection in StateConnected.
func Dial(ctx context.Context, remoteAddr string, opts *Options) (*ClientConnection, error) {
	o := opts.withDefaults()

	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, errors.Wrap(err, "tou: resolving remote address")
	}
	udpConn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "tou: dialing")
	}

	cc := &ClientConnection{conn: udpConn}

	localSeq0, peerSeq0, peerWindow, err := cc.threeWayHandshake(ctx, o)
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	cc.Connection = newConnection(
		ctx,
		udpConn.LocalAddr(), udpConn.RemoteAddr(),
		cc,
		localSeq0, peerSeq0, peerWindow,
		o.WindowSize, o.ResendInterval, o.Timeout,
		nil,
	)
	dlog.Debugf(ctx, "tou: connected to %s", udpConn.RemoteAddr())
	return cc, nil
}

func (cc *ClientConnection) rawSend(buf []byte) error {
	_, err := cc.conn.Write(buf)
	return err
}

func (cc *ClientConnection) rawRecv() ([]byte, error) {
	buf := make([]byte, segment.HeaderSize+segment.MaxPayloadSize)
	n, err := cc.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (cc *ClientConnection) closeRaw() error {
	return cc.conn.Close()
}

// threeWayHandshake drives the active-open handshake: send SYN, wait
// for SYN+ACK, reply ACK. It retries with a fresh random ISN on any
// timeout or malformed/mismatched reply, up to the connection's
// overall timeout, grounded on the retry loop in the reference client
// handshake.
func (cc *ClientConnection) threeWayHandshake(ctx context.Context, o Options) (localSeq0, peerSeq0 uint32, peerWindow uint16, err error) {
	deadline := time.Now().Add(o.Timeout)

	for time.Now().Before(deadline) {
		isn, err := randomISN()
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: generating ISN")
		}

		syn := &segment.Segment{
			Flags:  segment.FlagSYN,
			Seq:    isn,
			Window: uint16(clampWindow(o.WindowSize)),
		}
		buf, err := segment.Encode(syn)
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: encoding SYN")
		}
		if err := cc.conn.SetDeadline(time.Now().Add(o.ResendInterval * 10)); err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: setting handshake deadline")
		}
		if _, err := cc.conn.Write(buf); err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: sending SYN")
		}

		reply := make([]byte, segment.HeaderSize+segment.MaxPayloadSize)
		n, err := cc.conn.Read(reply)
		if err != nil {
			dlog.Tracef(ctx, "tou: handshake retry after %v", err)
			continue
		}
		synAck, err := segment.Decode(reply[:n])
		if err != nil {
			dlog.Tracef(ctx, "tou: handshake retry, malformed reply: %v", err)
			continue
		}
		if !synAck.HasFlag(segment.FlagSYN|segment.FlagACK) || synAck.Ack != isn+1 {
			dlog.Tracef(ctx, "tou: handshake retry, unexpected reply %s", synAck)
			continue
		}

		peerSeq0 = synAck.Seq + 1
		localSeq0 = isn + 1
		peerWindow = synAck.Window

		ack := &segment.Segment{
			Flags:  segment.FlagACK,
			Seq:    localSeq0,
			Ack:    peerSeq0,
			Window: uint16(clampWindow(o.WindowSize)),
		}
		ackBuf, err := segment.Encode(ack)
		if err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: encoding handshake ACK")
		}
		if _, err := cc.conn.Write(ackBuf); err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: sending handshake ACK")
		}
		if err := cc.conn.SetDeadline(time.Time{}); err != nil {
			return 0, 0, 0, errors.Wrap(err, "tou: clearing handshake deadline")
		}
		return localSeq0, peerSeq0, peerWindow, nil
	}
	return 0, 0, 0, ErrHandshakeTimeout
}

func randomISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func clampWindow(size uint32) uint32 {
	if size > 0xFFFF {
		return 0xFFFF
	}
	return size
}
